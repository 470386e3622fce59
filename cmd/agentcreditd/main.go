package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentCredit-Chain/internal/admission"
	"AgentCredit-Chain/internal/api"
	"AgentCredit-Chain/internal/auth"
	"AgentCredit-Chain/internal/config"
	"AgentCredit-Chain/internal/ledger"
	"AgentCredit-Chain/internal/ledger/ethereum"
	"AgentCredit-Chain/internal/loan"
	"AgentCredit-Chain/internal/observability/alerting"
	"AgentCredit-Chain/internal/observability/metrics"
	"AgentCredit-Chain/internal/proof"
	"AgentCredit-Chain/internal/queue"
	"AgentCredit-Chain/internal/reputation"
	"AgentCredit-Chain/internal/settlement"
	"AgentCredit-Chain/internal/task"
	"AgentCredit-Chain/pkg/logger"
)

// main 是平台守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentcreditd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTCREDIT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentcredit.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 存储层。
	agentStore, taskStore, loanStore, lenderStore, escrowStore, outcomeStore, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = agentStore.Close()
		_ = taskStore.Close()
		_ = loanStore.Close()
		_ = lenderStore.Close()
		_ = escrowStore.Close()
		_ = outcomeStore.Close()
	}()

	// 队列：准入与资金各一条。
	admissionQueue, err := buildQueue(cfg, cfg.Queue.AdmissionTopic)
	if err != nil {
		return err
	}
	defer admissionQueue.Close()
	fundingQueue, err := buildQueue(cfg, cfg.Queue.FundingTopic)
	if err != nil {
		return err
	}
	defer fundingQueue.Close()

	// 账本。
	ledgerClient, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledgerClient.Close()
	// 托管账户在账本部署成功后同步落库。
	provisioned := &escrowProvisioner{Client: ledgerClient, escrows: escrowStore}

	alerter := alerting.NewFanout(alerting.LogNotifier{})

	// 准入。
	agentService := admission.NewService(agentStore, admissionQueue)
	pipeline := admission.NewPipeline(
		agentStore,
		provisioned,
		admission.LocalScanner{},
		admission.TagTransformer{},
		admission.HandleDeployer{},
		admissionQueue,
		admission.EscrowPolicy{
			PlatformAddress: cfg.Policy.PlatformAddress,
			FeeRateBp:       cfg.Policy.FeeRateBp,
			FastPathRouter:  cfg.Policy.FastPathRouter,
		},
		admission.WithWorkerCount(cfg.Workers.Admission),
		admission.WithAlertDispatcher(alerter),
	)

	// 信誉。
	reputationService := reputation.NewService(agentStore, outcomeStore, ledgerClient, reputation.Policy{
		Reward:  cfg.Policy.CreditReward,
		Penalty: cfg.Policy.CreditPenalty,
	})

	// 任务服务先于贷款引擎构造，两者通过回调接口互联。
	taskPolicy := task.Policy{
		LoanThreshold: cfg.Policy.LoanThreshold,
		LoanRatioBp:   cfg.Policy.LoanRatioBp,
	}
	loanEngine := loan.NewEngine(loanStore, lenderStore,
		&borrowerDirectory{agents: agentStore},
		ledgerClient,
		loan.WithEscrowRegistry(escrowStore),
		loan.WithOutcomeRecorder(reputationService),
		loan.WithEngineAlertDispatcher(alerter),
	)
	taskService := task.NewService(taskStore, fundingQueue, agentStore, loanEngine, taskPolicy)
	loan.WithTaskNotifier(taskService)(loanEngine)

	fundingWorker := task.NewFundingWorker(taskStore, agentStore,
		proof.NewHashCommitter(), loanEngine, fundingQueue, taskPolicy,
		task.WithFundingWorkerCount(cfg.Workers.Funding),
		task.WithFundingAlertDispatcher(alerter),
	)

	// 清算。
	router := settlement.NewRouter(nil, settlement.NewMemoryPath("standard"))
	distributor := settlement.NewDistributor(escrowStore, router, settlement.Policy{
		FeeRateBp:       cfg.Policy.FeeRateBp,
		PlatformAddress: cfg.Policy.PlatformAddress,
	},
		settlement.WithLoanLedger(&loanLedgerAdapter{engine: loanEngine}),
		settlement.WithDistributorAlertDispatcher(alerter),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := pipeline.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("准入流水线异常退出: %v", err)
		}
	}()
	go func() {
		if err := fundingWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("资金流水线异常退出: %v", err)
		}
	}()
	go runRematchLoop(workerCtx, loanEngine,
		time.Duration(cfg.Policy.RematchIntervalSeconds)*time.Second)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(workerCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	authKeys := make([]auth.Key, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		authKeys = append(authKeys, auth.Key{Key: k.Key, Name: k.Name, Roles: k.Roles})
	}
	server := api.NewServer(cfg.Server.Address,
		agentService, taskService, loanEngine, distributor, escrowStore,
		auth.NewService(authKeys))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runRematchLoop 周期性地为等待流动性的贷款重试匹配。
func runRematchLoop(ctx context.Context, engine *loan.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := engine.Rematch(ctx)
			if err != nil {
				log.Printf("贷款重匹配失败: %v", err)
				continue
			}
			if promoted > 0 {
				log.Printf("贷款重匹配推进 %d 笔", promoted)
			}
		}
	}
}

func buildStores(cfg *config.Config) (admission.Store, task.Store, loan.Store,
	loan.LenderStore, settlement.Store, reputation.OutcomeStore, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return admission.NewMemoryStore(), task.NewMemoryStore(), loan.NewMemoryStore(),
			loan.NewMemoryLenderStore(), settlement.NewMemoryStore(),
			reputation.NewMemoryOutcomeStore(), nil
	case "mysql":
		dsn := cfg.Storage.DSN
		agents, err := admission.NewMySQLStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		tasks, err := task.NewMySQLStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		loans, err := loan.NewMySQLStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		lenders, err := loan.NewMySQLLenderStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		escrows, err := settlement.NewMySQLStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		outcomes, err := reputation.NewMySQLOutcomeStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		return agents, tasks, loans, lenders, escrows, outcomes, nil
	default:
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildQueue(cfg *config.Config, topic string) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return queue.NewMemoryQueue(1024), nil
	case "redis":
		return queue.NewRedisQueue(queue.RedisConfig{
			Address:  cfg.Queue.Address,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
			Queue:    topic,
		})
	case "rabbitmq":
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:     cfg.Queue.URL,
			Queue:   topic,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildLedger(ctx context.Context, cfg *config.Config) (ledger.Client, error) {
	switch cfg.Ledger.Driver {
	case "simulated":
		return ledger.NewSimulated(), nil
	case "ethereum":
		return ethereum.NewClient(ctx, ethereum.Config{
			RPCURL:           cfg.Ledger.RPCURL,
			ChainID:          cfg.Ledger.ChainID,
			PrivateKey:       cfg.Ledger.PrivateKey,
			IdentityContract: cfg.Ledger.IdentityContract,
			FactoryContract:  cfg.Ledger.FactoryContract,
			BrokerContract:   cfg.Ledger.BrokerContract,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// borrowerDirectory 将准入存储适配为贷款引擎需要的借款方画像。
type borrowerDirectory struct {
	agents admission.Store
}

func (d *borrowerDirectory) Borrower(ctx context.Context, agentID string) (loan.Borrower, error) {
	agent, err := d.agents.Get(ctx, agentID)
	if err != nil {
		return loan.Borrower{}, err
	}
	return loan.Borrower{
		AgentID:       agent.ID,
		IdentityID:    agent.IdentityID,
		EscrowAccount: agent.EscrowAccount,
		CreditScore:   agent.CreditScore,
	}, nil
}

// loanLedgerAdapter 让清算模块通过贷款引擎推进还款。
type loanLedgerAdapter struct {
	engine *loan.Engine
}

func (a *loanLedgerAdapter) ApplyRepayment(ctx context.Context, loanID string, amount int64) (bool, error) {
	_, settled, err := a.engine.ApplyRepayment(ctx, loanID, amount)
	return settled, err
}

// escrowProvisioner 在账本部署托管账户成功后同步创建本地账户记录。
type escrowProvisioner struct {
	ledger.Client
	escrows settlement.Store
}

func (p *escrowProvisioner) DeployEscrow(ctx context.Context, spec ledger.EscrowSpec) (string, error) {
	address, err := p.Client.DeployEscrow(ctx, spec)
	if err != nil {
		return "", err
	}
	err = p.escrows.Create(ctx, &settlement.Account{
		Address:      address,
		AgentID:      spec.AgentRef,
		Denomination: settlement.DefaultDenomination,
	})
	if err != nil && !errors.Is(err, settlement.ErrEscrowConflict) {
		return "", err
	}
	return address, nil
}
