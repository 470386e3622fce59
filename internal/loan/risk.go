package loan

// 风险评估权重。信用分与金额占大头，利率与承诺凭证作为修正项。
const (
	weightCreditScore  = 0.45
	weightLoanAmount   = 0.25
	weightInterestRate = 0.15
	weightProof        = 0.15
)

// Recommendation 是风险引擎给出的处理建议。
type Recommendation string

const (
	RecommendApprove      Recommendation = "approve"
	RecommendManualReview Recommendation = "manual_review"
	RecommendReject       Recommendation = "reject"
)

// Assessment 是一次风险评估的输入。
type Assessment struct {
	CreditScore    int
	Amount         int64
	InterestRateBp int
	ProofHash      string
}

// Evaluation 是一次风险评估的结论。风险分 0-100，越低越安全。
type Evaluation struct {
	RiskScore      float64        `json:"risk_score"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	CreditLevel    string         `json:"credit_level"`
	AmountLevel    string         `json:"amount_level"`
	ProofValid     bool           `json:"proof_valid"`
}

// RiskEngine 对贷款请求做加权风险评分。
type RiskEngine struct {
	// MaxInterestRateBp 是可接受的利率上限，超出即拒绝。
	MaxInterestRateBp int
}

// NewRiskEngine 创建默认参数的风险引擎。
func NewRiskEngine() *RiskEngine {
	return &RiskEngine{MaxInterestRateBp: 2000}
}

// Evaluate 对一次贷款请求相对某个出借方做风险评估。
func (e *RiskEngine) Evaluate(req Assessment, lender *Lender) Evaluation {
	creditScore, creditLevel := assessCreditScore(req.CreditScore)
	amountScore, amountLevel := assessAmount(req.Amount, lender.MaxLoanAmount)
	rateScore := e.assessInterestRate(req.InterestRateBp)
	proofScore, proofValid := assessProof(req.ProofHash)

	riskScore := creditScore*weightCreditScore +
		amountScore*weightLoanAmount +
		rateScore*weightInterestRate +
		proofScore*weightProof

	return Evaluation{
		RiskScore:      riskScore,
		Recommendation: recommend(riskScore, lender.RiskTolerance),
		Confidence:     confidence(creditLevel, amountLevel, proofValid),
		CreditLevel:    creditLevel,
		AmountLevel:    amountLevel,
		ProofValid:     proofValid,
	}
}

func assessCreditScore(creditScore int) (float64, string) {
	switch {
	case creditScore >= 800:
		return 10, "excellent"
	case creditScore >= 700:
		return 25, "good"
	case creditScore >= 600:
		return 50, "fair"
	case creditScore >= 500:
		return 75, "poor"
	default:
		return 95, "very_poor"
	}
}

func assessAmount(amount, maxAmount int64) (float64, string) {
	if maxAmount <= 0 || amount > maxAmount {
		return 100, "exceeds_limit"
	}
	ratio := float64(amount) / float64(maxAmount)
	switch {
	case ratio <= 0.25:
		return 10, "low"
	case ratio <= 0.5:
		return 25, "moderate"
	case ratio <= 0.75:
		return 50, "high"
	default:
		return 75, "very_high"
	}
}

func (e *RiskEngine) assessInterestRate(rateBp int) float64 {
	maxRate := e.MaxInterestRateBp
	if maxRate <= 0 {
		maxRate = 2000
	}
	switch {
	case rateBp > maxRate:
		return 100
	case float64(rateBp) >= float64(maxRate)*0.8:
		return 20
	case float64(rateBp) >= float64(maxRate)*0.6:
		return 15
	default:
		return 10
	}
}

func assessProof(proofHash string) (float64, bool) {
	if len(proofHash) >= 64 && proofHash[:2] == "0x" {
		return 10, true
	}
	return 100, false
}

func recommend(riskScore float64, tolerance RiskTolerance) Recommendation {
	switch {
	case riskScore <= 20:
		return RecommendApprove
	case riskScore <= 40 && (tolerance == RiskToleranceMedium || tolerance == RiskToleranceHigh):
		return RecommendApprove
	case riskScore <= 60 && tolerance == RiskToleranceHigh:
		return RecommendApprove
	case riskScore <= 80:
		return RecommendManualReview
	default:
		return RecommendReject
	}
}

func confidence(creditLevel, amountLevel string, proofValid bool) float64 {
	factors := make([]float64, 0, 3)

	switch creditLevel {
	case "excellent", "good":
		factors = append(factors, 0.9)
	case "fair":
		factors = append(factors, 0.7)
	default:
		factors = append(factors, 0.5)
	}

	if proofValid {
		factors = append(factors, 0.9)
	} else {
		factors = append(factors, 0.1)
	}

	switch amountLevel {
	case "low", "moderate":
		factors = append(factors, 0.8)
	default:
		factors = append(factors, 0.6)
	}

	var sum float64
	for _, f := range factors {
		sum += f
	}
	return sum / float64(len(factors))
}
