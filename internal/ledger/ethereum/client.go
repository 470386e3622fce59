package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentCredit-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentCredit-Chain/internal/errors"
)

// Config describes how to construct an EVM backed ledger client.
type Config struct {
	RPCURL           string
	ChainID          int64
	PrivateKey       string
	IdentityContract string
	FactoryContract  string
	BrokerContract   string
	Notes            string
}

// identityABI covers the subset of the identity registry the core calls.
const identityABI = `[
  {"type":"function","name":"register","inputs":[{"name":"agentRef","type":"string"}],"outputs":[]},
  {"type":"function","name":"identityOf","inputs":[{"name":"agentRef","type":"string"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
  {"type":"function","name":"recordOutcome","inputs":[{"name":"identityId","type":"uint256"},{"name":"successful","type":"bool"}],"outputs":[]},
  {"type":"function","name":"getCreditScore","inputs":[{"name":"identityId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

// factoryABI covers escrow deployment through the escrow factory.
const factoryABI = `[
  {"type":"function","name":"deployEscrow","inputs":[{"name":"identityId","type":"uint256"},{"name":"platform","type":"address"},{"name":"feeRateBp","type":"uint256"},{"name":"fastPathRouter","type":"address"}],"outputs":[]},
  {"type":"function","name":"escrowOf","inputs":[{"name":"identityId","type":"uint256"}],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"}
]`

// brokerABI covers on-chain loan request visibility.
const brokerABI = `[
  {"type":"function","name":"submitLoanRequest","inputs":[{"name":"escrow","type":"address"},{"name":"amount","type":"uint256"},{"name":"proofHash","type":"bytes32"},{"name":"expectedRevenue","type":"uint256"}],"outputs":[]}
]`

// Client implements the ledger.Client interface on top of go-ethereum.
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	auth      *bind.TransactOpts
	chainID   *big.Int
	identity  *bind.BoundContract
	factory   *bind.BoundContract
	broker    *bind.BoundContract
	notes     string
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the platform contracts.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置账本 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接账本节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	var auth *bind.TransactOpts
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析平台私钥失败: %w", err)
		}
		auth, err = bind.NewKeyedTransactorWithChainID(privateKey, chainID)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("构造交易签名器失败: %w", err)
		}
	}

	client := &Client{
		rpcClient: rpcClient,
		eth:       eth,
		auth:      auth,
		chainID:   chainID,
		notes:     cfg.Notes,
	}

	if client.identity, err = bindContract(cfg.IdentityContract, identityABI, eth); err != nil {
		rpcClient.Close()
		return nil, err
	}
	if client.factory, err = bindContract(cfg.FactoryContract, factoryABI, eth); err != nil {
		rpcClient.Close()
		return nil, err
	}
	if client.broker, err = bindContract(cfg.BrokerContract, brokerABI, eth); err != nil {
		rpcClient.Close()
		return nil, err
	}
	return client, nil
}

func bindContract(address, abiJSON string, eth *ethclient.Client) (*bind.BoundContract, error) {
	if strings.TrimSpace(address) == "" {
		return nil, nil
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("解析合约 ABI 失败: %w", err)
	}
	return bind.NewBoundContract(common.HexToAddress(address), parsed, eth, eth, eth), nil
}

// RegisterIdentity sends the registration transaction and reads back the
// assigned identity id. The call is intentionally not retried by callers.
func (c *Client) RegisterIdentity(ctx context.Context, agentRef string) (string, error) {
	if c.identity == nil {
		return "", xerrors.New(xerrors.CodeChainCallFailed, "未配置身份合约")
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := c.identity.Transact(opts, "register", agentRef)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "注册身份交易失败")
	}
	if _, err := bind.WaitMined(ctx, c.eth, tx); err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "等待身份注册上链失败")
	}

	var out []any
	if err := c.identity.Call(&bind.CallOpts{Context: ctx}, &out, "identityOf", agentRef); err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "查询身份引用失败")
	}
	id, ok := out[0].(*big.Int)
	if !ok || id.Sign() == 0 {
		return "", xerrors.New(xerrors.CodeChainCallFailed, "身份合约未返回有效引用")
	}
	return id.String(), nil
}

// DeployEscrow deploys the dedicated escrow account for the identity.
func (c *Client) DeployEscrow(ctx context.Context, spec ledger.EscrowSpec) (string, error) {
	if c.factory == nil {
		return "", xerrors.New(xerrors.CodeChainCallFailed, "未配置托管工厂合约")
	}
	identityID, ok := new(big.Int).SetString(spec.IdentityID, 10)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "身份引用格式非法")
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := c.factory.Transact(opts, "deployEscrow",
		identityID,
		common.HexToAddress(spec.PlatformAddress),
		big.NewInt(spec.FeeRateBp),
		common.HexToAddress(spec.FastPathRouter),
	)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "部署托管账户交易失败")
	}
	if _, err := bind.WaitMined(ctx, c.eth, tx); err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "等待托管账户上链失败")
	}

	var out []any
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, "escrowOf", identityID); err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "查询托管账户地址失败")
	}
	address, ok := out[0].(common.Address)
	if !ok || address == (common.Address{}) {
		return "", xerrors.New(xerrors.CodeChainCallFailed, "托管工厂未返回有效地址")
	}
	return address.Hex(), nil
}

// SubmitLoanRequest mirrors the loan request on chain for visibility.
func (c *Client) SubmitLoanRequest(ctx context.Context, submission ledger.LoanSubmission) (string, error) {
	if c.broker == nil {
		return "", xerrors.New(xerrors.CodeChainCallFailed, "未配置借款经纪合约")
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", err
	}
	var proofHash [32]byte
	copy(proofHash[:], common.FromHex(submission.ProofHash))
	tx, err := c.broker.Transact(opts, "submitLoanRequest",
		common.HexToAddress(submission.EscrowAccount),
		big.NewInt(submission.Amount),
		proofHash,
		big.NewInt(submission.ExpectedRevenue),
	)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainCallFailed, err, "提交借款请求交易失败")
	}
	return tx.Hash().Hex(), nil
}

// RecordOutcome writes the loan outcome into the identity record.
func (c *Client) RecordOutcome(ctx context.Context, identityID string, successful bool) error {
	if c.identity == nil {
		return xerrors.New(xerrors.CodeChainCallFailed, "未配置身份合约")
	}
	id, ok := new(big.Int).SetString(identityID, 10)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份引用格式非法")
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	if _, err := c.identity.Transact(opts, "recordOutcome", id, successful); err != nil {
		return xerrors.Wrap(xerrors.CodeChainCallFailed, err, "写入借款结局失败")
	}
	return nil
}

// GetCreditScore reads the identity's credit score, clamped to [0,1000].
func (c *Client) GetCreditScore(ctx context.Context, identityID string) (int, error) {
	if c.identity == nil {
		return 0, xerrors.New(xerrors.CodeChainCallFailed, "未配置身份合约")
	}
	id, ok := new(big.Int).SetString(identityID, 10)
	if !ok {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "身份引用格式非法")
	}
	var out []any
	if err := c.identity.Call(&bind.CallOpts{Context: ctx}, &out, "getCreditScore", id); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainCallFailed, err, "查询信用分失败")
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return 0, xerrors.New(xerrors.CodeChainCallFailed, "身份合约返回非法信用分")
	}
	score := int(raw.Int64())
	if score < 0 {
		score = 0
	}
	if score > 1000 {
		score = 1000
	}
	return score, nil
}

func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.auth == nil {
		return nil, xerrors.New(xerrors.CodeChainCallFailed, "未配置交易签名器")
	}
	opts := *c.auth
	opts.Context = ctx
	return &opts, nil
}

// Close releases the network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

var _ ledger.Client = (*Client)(nil)
