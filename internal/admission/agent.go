package admission

import (
	xerrors "AgentCredit-Chain/internal/errors"
)

// Status 表示智能体在准入流水线中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusScanning   Status = "scanning"
	StatusScanFailed Status = "scan_failed"
	StatusModifying  Status = "modifying"
	StatusDeploying  Status = "deploying"
	StatusFailed     Status = "failed"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
)

// DefaultCreditScore 是新智能体的中性信用分。
const DefaultCreditScore = 500

// Agent 描述一个上传后等待准入、最终可以收款借款的智能体。
// 信用分与计数器只由信誉回写服务修改。
type Agent struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	BundleRef            string `json:"bundle_ref"`
	Status               Status `json:"status"`
	IdentityID           string `json:"identity_id,omitempty"`
	EscrowAccount        string `json:"escrow_account,omitempty"`
	CreditScore          int    `json:"credit_score"`
	TotalLoans           int    `json:"total_loans"`
	SuccessfulRepayments int    `json:"successful_repayments"`
	FailedRepayments     int    `json:"failed_repayments"`
	RedirectedAddresses  int    `json:"redirected_addresses,omitempty"`
	OriginalPayTarget    string `json:"original_pay_target,omitempty"`
	UnitHandle           string `json:"unit_handle,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	ErrorCode            string `json:"error_code,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

// transitions 集中定义合法的状态迁移，调用点不再各自约定。
var transitions = map[Status][]Status{
	StatusPending:   {StatusScanning},
	StatusScanning:  {StatusScanFailed, StatusModifying, StatusFailed},
	StatusModifying: {StatusDeploying, StatusFailed},
	StatusDeploying: {StatusFailed, StatusActive},
	StatusActive:    {StatusPaused},
	StatusPaused:    {StatusActive},
}

// CanTransition 判断状态迁移是否合法。终态（scan_failed/failed）不可离开。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为流水线终态。
func IsTerminal(status Status) bool {
	return status == StatusScanFailed || status == StatusFailed
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusScanning, StatusScanFailed, StatusModifying,
		StatusDeploying, StatusFailed, StatusActive, StatusPaused:
		return true
	default:
		return false
	}
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentConflict 表示智能体在当前状态下无法进行所请求的操作。
	ErrAgentConflict = xerrors.New(CodeAgentConflict, "agent conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunInFlight 表示该智能体已有一次流水线执行在进行中。
	ErrRunInFlight = xerrors.New(CodeRunInFlight, "pipeline run in flight", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrAgentTerminal 表示智能体已进入终态，需要重新上传才能再次准入。
	ErrAgentTerminal = xerrors.New(CodeAgentTerminal, "agent reached terminal status", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrAgentAdmitted 表示智能体已通过准入，无需再次执行流水线。
	ErrAgentAdmitted = xerrors.New(CodeAgentAdmitted, "agent already admitted", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidTransition 表示请求的状态迁移不在集中定义的迁移表内。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid status transition", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAgentNotFound       xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentConflict       xerrors.Code = "AGENT_CONFLICT"
	CodeRunInFlight         xerrors.Code = "AGENT_RUN_IN_FLIGHT"
	CodeAgentTerminal       xerrors.Code = "AGENT_TERMINAL"
	CodeAgentAdmitted       xerrors.Code = "AGENT_ADMITTED"
	CodeInvalidTransition   xerrors.Code = "AGENT_INVALID_TRANSITION"
	CodeScanRejected        xerrors.Code = "SCAN_REJECTED"
	CodeContainerScanFailed xerrors.Code = "CONTAINER_SCAN_FAILED"
	CodePipelineFailed      xerrors.Code = "PIPELINE_FAILED"
	CodeAgentPublish        xerrors.Code = "AGENT_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{
		Message:   "agent conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunInFlight, xerrors.Attributes{
		Message:   "pipeline run in flight",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentTerminal, xerrors.Attributes{
		Message:   "agent reached terminal status",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAgentAdmitted, xerrors.Attributes{
		Message:   "agent already admitted",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid status transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeScanRejected, xerrors.Attributes{
		Message:   "source scan rejected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeContainerScanFailed, xerrors.Attributes{
		Message:   "container scan failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePipelineFailed, xerrors.Attributes{
		Message:   "admission pipeline failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeAgentPublish, xerrors.Attributes{
		Message:   "failed to enqueue agent",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
