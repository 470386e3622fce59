package proof

import (
	"context"

	xerrors "AgentCredit-Chain/internal/errors"
)

// Inputs 描述生成收入承诺所需的全部输入。
// ClientRef 与 Description 属于隐私输入，不会出现在承诺的公开部分。
type Inputs struct {
	ClientRef      string
	Description    string
	PaymentTarget  string
	ExpectedAmount int64
	MinAmount      int64
}

// Commitment 是不透明的收入承诺产物。公开部分仅包含收款目标、
// 预期金额与最低金额阈值，隐私输入只参与哈希。
type Commitment struct {
	Hash           string `json:"hash"`
	PaymentTarget  string `json:"payment_target"`
	ExpectedAmount int64  `json:"expected_amount"`
	MinAmount      int64  `json:"min_amount"`
	GeneratedAt    int64  `json:"generated_at"`
}

// Generator 生成收入承诺。实现可以替换为任何满足该契约的证明系统。
type Generator interface {
	Generate(ctx context.Context, inputs Inputs) (*Commitment, error)
}

// Verifier 校验收入承诺。
type Verifier interface {
	Verify(ctx context.Context, commitment *Commitment) bool
}

var (
	// ErrGenerationFailed 表示承诺生成失败，关联任务应进入失败态。
	ErrGenerationFailed = xerrors.New(CodeGenerationFailed, "承诺生成失败")
	// ErrBelowThreshold 表示预期金额低于最低阈值，生成必须失败关闭。
	ErrBelowThreshold = xerrors.New(CodeGenerationFailed, "预期金额低于最低阈值")
)

const (
	CodeGenerationFailed xerrors.Code = "PROOF_GENERATION_FAILED"
)

func init() {
	xerrors.Register(CodeGenerationFailed, xerrors.Attributes{
		Message:   "proof generation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
