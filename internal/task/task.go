package task

import (
	xerrors "AgentCredit-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending       Status = "pending"
	StatusAwaitingFunds Status = "awaiting_funds"
	StatusFunded        Status = "funded"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusPaid          Status = "paid"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Task 描述智能体声明的一项客户任务。
// requiresLoan 在创建时一次性确定；proofHash 与 loanID 至多写入一次。
type Task struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	ClientRef    string `json:"client_ref,omitempty"`
	Description  string `json:"description,omitempty"`
	Amount       int64  `json:"amount"`
	Status       Status `json:"status"`
	RequiresLoan bool   `json:"requires_loan"`
	ProofHash    string `json:"proof_hash,omitempty"`
	LoanID       string `json:"loan_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// transitions 集中定义合法的任务状态迁移。
// failed 可从任意非终态进入；cancelled 只允许在资金到位前进入。
var transitions = map[Status][]Status{
	StatusPending:       {StatusAwaitingFunds, StatusFunded, StatusFailed, StatusCancelled},
	StatusAwaitingFunds: {StatusFunded, StatusFailed, StatusCancelled},
	StatusFunded:        {StatusInProgress, StatusFailed},
	StatusInProgress:    {StatusCompleted, StatusFailed},
	StatusCompleted:     {StatusPaid, StatusFailed},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断任务是否到达终态。
func IsTerminal(status Status) bool {
	return status == StatusPaid || status == StatusFailed || status == StatusCancelled
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAwaitingFunds, StatusFunded, StatusInProgress,
		StatusCompleted, StatusPaid, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示请求的状态迁移不在迁移表内。
	ErrInvalidTransition = xerrors.New(CodeTaskInvalidTransition, "invalid task status transition", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotCancellable 表示任务已过可取消窗口。
	ErrNotCancellable = xerrors.New(CodeTaskNotCancellable, "task can no longer be cancelled", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAgentNotActive 表示任务归属的智能体未处于可接单状态。
	ErrAgentNotActive = xerrors.New(CodeAgentNotActive, "agent is not active", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound          xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict          xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation        xerrors.Code = "TASK_VALIDATION"
	CodeTaskInvalidTransition xerrors.Code = "TASK_INVALID_TRANSITION"
	CodeTaskNotCancellable    xerrors.Code = "TASK_NOT_CANCELLABLE"
	CodeTaskPublish           xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeAgentNotActive        xerrors.Code = "AGENT_NOT_ACTIVE"
	CodeFundingFailed         xerrors.Code = "TASK_FUNDING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskInvalidTransition, xerrors.Attributes{
		Message:   "invalid task status transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotCancellable, xerrors.Attributes{
		Message:   "task can no longer be cancelled",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to enqueue task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAgentNotActive, xerrors.Attributes{
		Message:   "agent is not active",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFundingFailed, xerrors.Attributes{
		Message:   "task funding failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
