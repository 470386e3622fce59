package settlement

import (
	xerrors "AgentCredit-Chain/internal/errors"
)

// DefaultDenomination 是平台默认结算币种。
const DefaultDenomination = "USDC"

// ActiveLoanRecord 是托管账户上在贷贷款的快速结算镜像。
type ActiveLoanRecord struct {
	LoanID            string `json:"loan_id"`
	LenderRef         string `json:"lender_ref"`
	Principal         int64  `json:"principal"`
	ExpectedRepayment int64  `json:"expected_repayment"`
	RepaidAmount      int64  `json:"repaid_amount"`
	Denomination      string `json:"denomination"`
}

// RemainingDebt 返回尚未偿还的金额。
func (r *ActiveLoanRecord) RemainingDebt() int64 {
	if r == nil {
		return 0
	}
	return r.ExpectedRepayment - r.RepaidAmount
}

// Account 描述一个智能体的托管账户。
// 同一账户同时至多持有一条在贷记录。
type Account struct {
	Address      string            `json:"address"`
	AgentID      string            `json:"agent_id"`
	AgentAddress string            `json:"agent_address"`
	Denomination string            `json:"denomination"`
	Balance      int64             `json:"balance"`
	ActiveLoan   *ActiveLoanRecord `json:"active_loan,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
}

// Waterfall 是一次瀑布分配的结果。
// 恒等式 PlatformFee + LenderAmount + AgentAmount == 支付金额 始终成立。
type Waterfall struct {
	PlatformFee  int64 `json:"platform_fee"`
	LenderAmount int64 `json:"lender_amount"`
	AgentAmount  int64 `json:"agent_amount"`
}

// ComputeWaterfall 按固定优先级拆分一笔入账：平台费、贷款偿还、
// 智能体利润。费用按基点整数截断。
func ComputeWaterfall(amount int64, feeRateBp int, remainingDebt int64) Waterfall {
	platformFee := amount * int64(feeRateBp) / 10000
	remaining := amount - platformFee
	lenderAmount := remainingDebt
	if lenderAmount > remaining {
		lenderAmount = remaining
	}
	if lenderAmount < 0 {
		lenderAmount = 0
	}
	return Waterfall{
		PlatformFee:  platformFee,
		LenderAmount: lenderAmount,
		AgentAmount:  remaining - lenderAmount,
	}
}

var (
	// ErrEscrowNotFound 表示指定的托管账户不存在。
	ErrEscrowNotFound = xerrors.New(CodeEscrowNotFound, "escrow account not found")
	// ErrEscrowConflict 表示托管账户记录冲突。
	ErrEscrowConflict = xerrors.New(CodeEscrowConflict, "escrow account conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrActiveLoanExists 表示托管账户已持有一条在贷记录。
	ErrActiveLoanExists = xerrors.New(CodeActiveLoanExists, "escrow already holds an active loan", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeEscrowNotFound   xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowConflict   xerrors.Code = "ESCROW_CONFLICT"
	CodeActiveLoanExists xerrors.Code = "ACTIVE_LOAN_EXISTS"
	// CodePaymentPathFailure 表示快速支付路径失败。永远不对外暴露，
	// 只记录后回退到标准路径。
	CodePaymentPathFailure xerrors.Code = "PAYMENT_PATH_FAILURE"
	CodeSettlementFailed   xerrors.Code = "SETTLEMENT_FAILED"
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:   "escrow account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{
		Message:   "escrow account conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActiveLoanExists, xerrors.Attributes{
		Message:   "escrow already holds an active loan",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentPathFailure, xerrors.Attributes{
		Message:   "fast payment path failed, falling back",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:   "settlement failed, funds remain in escrow",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
