package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Simulated 是账本契约的进程内实现，用于没有链节点的部署与本地联调。
// 身份与托管地址由 keccak 哈希确定性派生，重启后可复现。
type Simulated struct {
	mu         sync.Mutex
	identities map[string]string
	escrows    map[string]string
	scores     map[string]int
	txSeq      int
}

// NewSimulated 创建一个模拟账本。
func NewSimulated() *Simulated {
	return &Simulated{
		identities: make(map[string]string),
		escrows:    make(map[string]string),
		scores:     make(map[string]int),
	}
}

func derivedAddress(kind, seed string) string {
	digest := crypto.Keccak256([]byte(kind + ":" + seed))
	return common.BytesToAddress(digest[12:]).Hex()
}

// RegisterIdentity 实现 Client 接口。重复注册同一引用返回相同身份。
func (s *Simulated) RegisterIdentity(_ context.Context, agentRef string) (string, error) {
	if strings.TrimSpace(agentRef) == "" {
		return "", ErrChainCall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.identities[agentRef]; ok {
		return id, nil
	}
	id := "sim-" + derivedAddress("identity", agentRef)
	s.identities[agentRef] = id
	s.scores[id] = 500
	return id, nil
}

// DeployEscrow 实现 Client 接口。
func (s *Simulated) DeployEscrow(_ context.Context, spec EscrowSpec) (string, error) {
	if strings.TrimSpace(spec.IdentityID) == "" {
		return "", ErrChainCall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if escrow, ok := s.escrows[spec.IdentityID]; ok {
		return escrow, nil
	}
	escrow := derivedAddress("escrow", spec.IdentityID)
	s.escrows[spec.IdentityID] = escrow
	return escrow, nil
}

// SubmitLoanRequest 实现 Client 接口，返回自增的伪交易哈希。
func (s *Simulated) SubmitLoanRequest(_ context.Context, submission LoanSubmission) (string, error) {
	if strings.TrimSpace(submission.LoanID) == "" {
		return "", ErrChainCall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txSeq++
	return fmt.Sprintf("0xsim%08d", s.txSeq), nil
}

// RecordOutcome 实现 Client 接口，维护链上信用分镜像。
func (s *Simulated) RecordOutcome(_ context.Context, identityID string, successful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.scores[identityID]
	if !ok {
		score = 500
	}
	if successful {
		score += 20
		if score > 1000 {
			score = 1000
		}
	} else {
		score -= 50
		if score < 0 {
			score = 0
		}
	}
	s.scores[identityID] = score
	return nil
}

// GetCreditScore 实现 Client 接口。
func (s *Simulated) GetCreditScore(_ context.Context, identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score, ok := s.scores[identityID]; ok {
		return score, nil
	}
	return 500, nil
}

// Close 实现 Client 接口。
func (s *Simulated) Close() {}

var _ Client = (*Simulated)(nil)
