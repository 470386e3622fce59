package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// 认证子系统的公共错误。
var (
	ErrMissingKey       = errors.New("missing api key")
	ErrInvalidKey       = errors.New("invalid api key")
	ErrPermissionDenied = errors.New("permission denied")
)

// 平台角色。operator 可以执行清算、审批等后台操作。
const (
	RoleBorrower = "borrower"
	RoleLender   = "lender"
	RoleOperator = "operator"
)

// Mode 表示认证子系统的工作模式。
type Mode string

const (
	// ModeDisabled 表示未配置任何密钥，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeAPIKey 表示基于静态密钥清单认证。
	ModeAPIKey Mode = "api_key"
)

// Subject 描述一个通过认证的调用方。
type Subject struct {
	Name  string
	Roles []string

	rolesSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.rolesSet != nil {
		return
	}
	s.rolesSet = make(map[string]struct{}, len(s.Roles))
	for _, role := range s.Roles {
		s.rolesSet[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
	}
}

// HasRole 判断主体是否拥有指定角色。
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.rolesSet[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// Authorize 要求主体拥有给定角色中的任意一个。
func (s *Subject) Authorize(roles ...string) error {
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if s.HasRole(role) {
			return nil
		}
	}
	return ErrPermissionDenied
}

type keyEntry struct {
	key     []byte
	subject *Subject
}

// Service 基于静态密钥清单完成请求认证。
// 密钥比较使用恒定时间实现，清单为空时认证自动关闭。
type Service struct {
	mode Mode
	keys []keyEntry
}

// Key 是一条密钥配置。
type Key struct {
	Key   string
	Name  string
	Roles []string
}

// NewService 构造认证服务。
func NewService(keys []Key) *Service {
	entries := make([]keyEntry, 0, len(keys))
	for _, k := range keys {
		trimmed := strings.TrimSpace(k.Key)
		if trimmed == "" {
			continue
		}
		roles := k.Roles
		if len(roles) == 0 {
			roles = []string{RoleBorrower}
		}
		entries = append(entries, keyEntry{
			key:     []byte(trimmed),
			subject: &Subject{Name: k.Name, Roles: roles},
		})
	}
	mode := ModeAPIKey
	if len(entries) == 0 {
		mode = ModeDisabled
	}
	return &Service{mode: mode, keys: entries}
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头中的 Bearer 密钥。
// 所有候选密钥都会参与比较，避免通过时序差异探测清单。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Name: "anonymous", Roles: []string{RoleBorrower, RoleLender, RoleOperator}}, nil
	}
	token := strings.TrimSpace(authorization)
	if token == "" {
		return nil, ErrMissingKey
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, ErrMissingKey
	}

	presented := []byte(token)
	var matched *Subject
	for _, entry := range s.keys {
		if len(entry.key) == len(presented) &&
			subtle.ConstantTimeCompare(entry.key, presented) == 1 {
			matched = entry.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}
