package loan

import (
	xerrors "AgentCredit-Chain/internal/errors"
)

// Status 表示贷款在生命周期中的状态。
type Status string

const (
	// StatusPending 表示尚未匹配到出借方，等待流动性。
	StatusPending   Status = "pending"
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusDisbursed Status = "disbursed"
	StatusRepaid    Status = "repaid"
	StatusRejected  Status = "rejected"
	StatusDefaulted Status = "defaulted"
)

// Loan 描述一笔任务融资贷款。
// RepaidAmount 只由清算服务推进，始终满足 0 <= RepaidAmount <= ExpectedRepayment。
type Loan struct {
	ID                string `json:"id"`
	BorrowerAgentID   string `json:"borrower_agent_id"`
	TaskID            string `json:"task_id,omitempty"`
	LenderID          string `json:"lender_id,omitempty"`
	Principal         int64  `json:"principal"`
	InterestRateBp    int    `json:"interest_rate_bp,omitempty"`
	ExpectedRepayment int64  `json:"expected_repayment,omitempty"`
	RepaidAmount      int64  `json:"repaid_amount"`
	Status            Status `json:"status"`
	ProofHash         string `json:"proof_hash,omitempty"`
	LedgerTx          string `json:"ledger_tx,omitempty"`
	Reason            string `json:"reason,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// ExpectedRepaymentFor 计算本金加利息的应还总额，利率以基点表示。
func ExpectedRepaymentFor(principal int64, rateBp int) int64 {
	return principal + principal*int64(rateBp)/10000
}

// transitions 集中定义合法的贷款状态迁移。
// rejected/defaulted 可以从 requested/approved/disbursed 任一状态进入。
var transitions = map[Status][]Status{
	StatusPending:   {StatusRequested},
	StatusRequested: {StatusApproved, StatusRejected, StatusDefaulted},
	StatusApproved:  {StatusDisbursed, StatusRejected, StatusDefaulted},
	StatusDisbursed: {StatusRepaid, StatusRejected, StatusDefaulted},
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

// IsTerminal 判断贷款是否到达终态。
func IsTerminal(status Status) bool {
	return status == StatusRepaid || status == StatusRejected || status == StatusDefaulted
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRequested, StatusApproved, StatusDisbursed,
		StatusRepaid, StatusRejected, StatusDefaulted:
		return true
	default:
		return false
	}
}

var (
	// ErrLoanNotFound 表示指定的贷款不存在。
	ErrLoanNotFound = xerrors.New(CodeLoanNotFound, "loan not found")
	// ErrLoanConflict 表示贷款在当前状态下无法进行所请求的操作。
	ErrLoanConflict = xerrors.New(CodeLoanConflict, "loan conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示请求的状态迁移不在迁移表内。
	ErrInvalidTransition = xerrors.New(CodeLoanInvalidTransition, "invalid loan status transition", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrLenderNotFound 表示指定的出借方不存在。
	ErrLenderNotFound = xerrors.New(CodeLenderNotFound, "lender not found")
	// ErrLenderConflict 表示出借方记录冲突。
	ErrLenderConflict = xerrors.New(CodeLenderConflict, "lender conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeLoanNotFound          xerrors.Code = "LOAN_NOT_FOUND"
	CodeLoanConflict          xerrors.Code = "LOAN_CONFLICT"
	CodeLoanInvalidTransition xerrors.Code = "LOAN_INVALID_TRANSITION"
	CodeLenderNotFound        xerrors.Code = "LENDER_NOT_FOUND"
	CodeLenderConflict        xerrors.Code = "LENDER_CONFLICT"
	// CodeNoLenderAvailable 不是错误：贷款停在 pending 等待流动性。
	CodeNoLenderAvailable xerrors.Code = "NO_LENDER_AVAILABLE"
	CodeLoanRejected      xerrors.Code = "LOAN_REJECTED"
	CodeLoanDefaulted     xerrors.Code = "LOAN_DEFAULTED"
	// CodeLoanSubmitFailed 表示链上提交失败，贷款保持 requested 等待人工对账。
	CodeLoanSubmitFailed xerrors.Code = "LOAN_SUBMIT_FAILED"
)

func init() {
	xerrors.Register(CodeLoanNotFound, xerrors.Attributes{
		Message:   "loan not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLoanConflict, xerrors.Attributes{
		Message:   "loan conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLoanInvalidTransition, xerrors.Attributes{
		Message:   "invalid loan status transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLenderNotFound, xerrors.Attributes{
		Message:   "lender not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLenderConflict, xerrors.Attributes{
		Message:   "lender conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoLenderAvailable, xerrors.Attributes{
		Message:   "no lender available, awaiting liquidity",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeLoanRejected, xerrors.Attributes{
		Message:   "loan rejected by lender",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLoanDefaulted, xerrors.Attributes{
		Message:   "loan defaulted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeLoanSubmitFailed, xerrors.Attributes{
		Message:   "loan ledger submission failed, awaiting reconciliation",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
