package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateRequest(t *testing.T) {
	svc := NewService([]Key{
		{Key: "op-secret", Name: "ops", Roles: []string{RoleOperator}},
		{Key: "agent-secret", Name: "agent-1", Roles: []string{RoleBorrower}},
	})
	if svc.Mode() != ModeAPIKey {
		t.Fatalf("期望 api_key 模式，实际 %s", svc.Mode())
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer op-secret")
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	if subject.Name != "ops" || !subject.HasRole(RoleOperator) {
		t.Fatalf("主体解析错误: %+v", subject)
	}
	if err := subject.Authorize(RoleBorrower, RoleOperator); err != nil {
		t.Fatalf("授权应通过: %v", err)
	}
	if err := subject.Authorize(RoleLender); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("缺少角色应拒绝: %v", err)
	}

	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("缺少密钥应返回 missing: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("错误密钥应返回 invalid: %v", err)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc := NewService(nil)
	if svc.Mode() != ModeDisabled {
		t.Fatalf("空清单应关闭认证")
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "")
	if err != nil {
		t.Fatalf("关闭模式不应报错: %v", err)
	}
	if !subject.HasRole(RoleOperator) {
		t.Fatalf("关闭模式应授予全部角色")
	}
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	svc := NewService([]Key{
		{Key: "op-secret", Name: "ops", Roles: []string{RoleOperator}},
		{Key: "agent-secret", Name: "agent-1", Roles: []string{RoleBorrower}},
	})
	handler := svc.Middleware(MiddlewareConfig{
		RequiredRoles: map[string][]string{
			http.MethodPost: {RoleOperator},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil {
			t.Errorf("上下文缺少主体")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"操作员放行", "Bearer op-secret", http.StatusNoContent},
		{"借款方被拒", "Bearer agent-secret", http.StatusForbidden},
		{"缺少密钥", "", http.StatusUnauthorized},
		{"密钥错误", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/loans/x/approve", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("期望 %d，实际 %d", tc.want, rec.Code)
			}
		})
	}
}
