package loan

// RiskTolerance 表示出借方愿意承担的风险级别。
type RiskTolerance string

const (
	RiskToleranceLow    RiskTolerance = "low"
	RiskToleranceMedium RiskTolerance = "medium"
	RiskToleranceHigh   RiskTolerance = "high"
)

// Lender 描述一个出借方及其授信策略。
// 组合计数器（已放款笔数、在贷笔数、累计收益）在放款与结清时更新。
type Lender struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	MaxLoanAmount    int64         `json:"max_loan_amount"`
	MinCreditScore   int           `json:"min_credit_score"`
	InterestRateBp   int           `json:"interest_rate_bp"`
	AvailableFunds   int64         `json:"available_funds"`
	RiskTolerance    RiskTolerance `json:"risk_tolerance"`
	IsActive         bool          `json:"is_active"`
	TotalLoansIssued int           `json:"total_loans_issued"`
	TotalAmountLent  int64         `json:"total_amount_lent"`
	TotalEarnings    int64         `json:"total_earnings"`
	ActiveLoans      int           `json:"active_loans"`
	CreatedAt        int64         `json:"created_at"`
	UpdatedAt        int64         `json:"updated_at"`
}

// Eligible 判断出借方是否满足一次贷款请求的硬性条件。
func (l *Lender) Eligible(amount int64, creditScore int) bool {
	return l.IsActive &&
		l.MinCreditScore <= creditScore &&
		l.MaxLoanAmount >= amount &&
		l.AvailableFunds >= amount
}
