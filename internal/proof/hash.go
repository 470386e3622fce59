package proof

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentCredit-Chain/internal/errors"
)

// HashCommitter 通过对规范化 JSON 求 SHA-256 实现承诺生成。
// 随机 nonce 与时间戳保证同样输入每次得到不同的承诺（新鲜性）。
type HashCommitter struct{}

// NewHashCommitter 创建基于哈希的承诺生成器。
func NewHashCommitter() *HashCommitter {
	return &HashCommitter{}
}

type preimage struct {
	ClientRef      string `json:"client_ref"`
	Description    string `json:"description"`
	PaymentTarget  string `json:"payment_target"`
	ExpectedAmount int64  `json:"expected_amount"`
	MinAmount      int64  `json:"min_amount"`
	Nonce          string `json:"nonce"`
	Timestamp      int64  `json:"timestamp"`
}

// Generate 生成承诺。预期金额低于最低阈值时失败关闭。
func (c *HashCommitter) Generate(_ context.Context, inputs Inputs) (*Commitment, error) {
	if strings.TrimSpace(inputs.PaymentTarget) == "" {
		return nil, xerrors.New(CodeGenerationFailed, "收款目标不能为空")
	}
	if inputs.ExpectedAmount <= 0 {
		return nil, xerrors.New(CodeGenerationFailed, "预期金额必须大于零")
	}
	if inputs.ExpectedAmount < inputs.MinAmount {
		return nil, ErrBelowThreshold
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, xerrors.Wrap(CodeGenerationFailed, err, "生成随机 nonce 失败")
	}
	now := time.Now().Unix()

	payload, err := json.Marshal(preimage{
		ClientRef:      inputs.ClientRef,
		Description:    inputs.Description,
		PaymentTarget:  inputs.PaymentTarget,
		ExpectedAmount: inputs.ExpectedAmount,
		MinAmount:      inputs.MinAmount,
		Nonce:          hex.EncodeToString(nonceBytes),
		Timestamp:      now,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeGenerationFailed, err, "编码承诺输入失败")
	}

	sum := sha256.Sum256(payload)
	return &Commitment{
		Hash:           "0x" + hex.EncodeToString(sum[:]),
		PaymentTarget:  inputs.PaymentTarget,
		ExpectedAmount: inputs.ExpectedAmount,
		MinAmount:      inputs.MinAmount,
		GeneratedAt:    now,
	}, nil
}

// Verify 校验承诺的结构与内嵌约束。
func (c *HashCommitter) Verify(_ context.Context, commitment *Commitment) bool {
	if commitment == nil {
		return false
	}
	if !IsWellFormedHash(commitment.Hash) {
		return false
	}
	if commitment.PaymentTarget == "" {
		return false
	}
	return commitment.ExpectedAmount >= commitment.MinAmount
}

// IsWellFormedHash 判断哈希是否为 0x 前缀的 64 位十六进制。
func IsWellFormedHash(hash string) bool {
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return false
	}
	if _, err := hex.DecodeString(hash[2:]); err != nil {
		return false
	}
	return true
}

var (
	_ Generator = (*HashCommitter)(nil)
	_ Verifier  = (*HashCommitter)(nil)
)
