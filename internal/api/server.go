package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentCredit-Chain/internal/admission"
	"AgentCredit-Chain/internal/auth"
	xerrors "AgentCredit-Chain/internal/errors"
	"AgentCredit-Chain/internal/loan"
	"AgentCredit-Chain/internal/observability/metrics"
	"AgentCredit-Chain/internal/settlement"
	"AgentCredit-Chain/internal/task"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr        string
	agents      *admission.Service
	tasks       *task.Service
	loans       *loan.Engine
	distributor *settlement.Distributor
	escrows     settlement.Store
	auth        *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, agents *admission.Service, tasks *task.Service, loans *loan.Engine,
	distributor *settlement.Distributor, escrows settlement.Store, authSvc *auth.Service) *Server {
	return &Server{
		addr:        addr,
		agents:      agents,
		tasks:       tasks,
		loans:       loans,
		distributor: distributor,
		escrows:     escrows,
		auth:        authSvc,
	}
}

// Handler 组装全部路由，供测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/agents", s.route("agents", nil, s.handleRegisterAgent))
	mux.Handle("GET /api/v1/agents", s.route("agents", nil, s.handleListAgents))
	mux.Handle("GET /api/v1/agents/{id}", s.route("agent", nil, s.handleGetAgent))
	mux.Handle("POST /api/v1/agents/{id}/pause", s.route("agent_pause", operatorOnly, s.handlePauseAgent))
	mux.Handle("POST /api/v1/agents/{id}/resume", s.route("agent_resume", operatorOnly, s.handleResumeAgent))
	mux.Handle("GET /api/v1/agents/{id}/tasks", s.route("agent_tasks", nil, s.handleAgentTasks))

	mux.Handle("POST /api/v1/tasks", s.route("tasks", nil, s.handleDeclareTask))
	mux.Handle("GET /api/v1/tasks/{id}", s.route("task", nil, s.handleGetTask))
	mux.Handle("PATCH /api/v1/tasks/{id}/status", s.route("task_status", nil, s.handleTaskStatus))
	mux.Handle("POST /api/v1/tasks/{id}/complete", s.route("task_complete", nil, s.handleCompleteTask))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", s.route("task_cancel", nil, s.handleCancelTask))
	mux.Handle("POST /api/v1/tasks/{id}/paid", s.route("task_paid", operatorOnly, s.handleMarkTaskPaid))

	mux.Handle("POST /api/v1/lenders", s.route("lenders", operatorOnly, s.handleRegisterLender))
	mux.Handle("GET /api/v1/lenders", s.route("lenders", nil, s.handleListLenders))

	mux.Handle("GET /api/v1/loans", s.route("loans", nil, s.handleListLoans))
	mux.Handle("GET /api/v1/loans/{id}", s.route("loan", nil, s.handleGetLoan))
	mux.Handle("POST /api/v1/loans/{id}/approve", s.route("loan_approve", operatorOnly, s.handleApproveLoan))
	mux.Handle("POST /api/v1/loans/{id}/disburse", s.route("loan_disburse", operatorOnly, s.handleDisburseLoan))
	mux.Handle("POST /api/v1/loans/{id}/reject", s.route("loan_reject", operatorOnly, s.handleRejectLoan))
	mux.Handle("POST /api/v1/loans/{id}/default", s.route("loan_default", operatorOnly, s.handleDefaultLoan))

	mux.Handle("GET /api/v1/escrows/{address}", s.route("escrow", nil, s.handleGetEscrow))
	mux.Handle("POST /api/v1/escrows/{address}/payments", s.route("escrow_payment", nil, s.handlePayment))

	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

var operatorOnly = map[string][]string{"*": {auth.RoleOperator}}

// route 给处理函数套上认证与指标观测。
func (s *Server) route(name string, roles map[string][]string, handler http.HandlerFunc) http.Handler {
	instrumented := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
	if s.auth == nil {
		return instrumented
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredRoles: roles,
		AuditEvent:    name,
	})(instrumented)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req admission.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	agent, err := s.agents.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	opts := admission.ListOptions{
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	for _, raw := range splitQuery(r, "status") {
		opts.Statuses = append(opts.Statuses, admission.Status(raw))
	}
	agents, err := s.agents.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	opts := task.ListOptions{
		AgentID: r.PathValue("id"),
		Limit:   queryInt(r, "limit"),
		Offset:  queryInt(r, "offset"),
	}
	for _, raw := range splitQuery(r, "status") {
		opts.Statuses = append(opts.Statuses, task.Status(raw))
	}
	tasks, err := s.tasks.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleDeclareTask(w http.ResponseWriter, r *http.Request) {
	var req task.DeclareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Declare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	updated, err := s.tasks.UpdateStatus(r.Context(), r.PathValue("id"), task.Status(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	updated, err := s.tasks.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	updated, err := s.tasks.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleMarkTaskPaid(w http.ResponseWriter, r *http.Request) {
	updated, err := s.tasks.MarkPaid(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRegisterLender(w http.ResponseWriter, r *http.Request) {
	var lender loan.Lender
	if err := json.NewDecoder(r.Body).Decode(&lender); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if err := s.loans.RegisterLender(r.Context(), &lender); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lender)
}

func (s *Server) handleListLenders(w http.ResponseWriter, r *http.Request) {
	lenders, err := s.loans.ListLenders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lenders)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	opts := loan.ListOptions{
		Limit:           queryInt(r, "limit"),
		Offset:          queryInt(r, "offset"),
		BorrowerAgentID: r.URL.Query().Get("agent"),
	}
	for _, raw := range splitQuery(r, "status") {
		opts.Statuses = append(opts.Statuses, loan.Status(raw))
	}
	loans, err := s.loans.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	found, err := s.loans.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleApproveLoan(w http.ResponseWriter, r *http.Request) {
	updated, err := s.loans.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDisburseLoan(w http.ResponseWriter, r *http.Request) {
	updated, err := s.loans.Disburse(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type resolutionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectLoan(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	updated, err := s.loans.Reject(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDefaultLoan(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	updated, err := s.loans.Default(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	account, err := s.escrows.Get(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount       int64  `json:"amount"`
		Denomination string `json:"denomination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	result, err := s.distributor.Settle(r.Context(), r.PathValue("address"), req.Denomination, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, httpStatusFor(code), map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

// httpStatusFor 将内部错误码映射为 HTTP 状态码。
func httpStatusFor(code xerrors.Code) int {
	raw := string(code)
	switch {
	case code == xerrors.CodeNotFound, strings.HasSuffix(raw, "_NOT_FOUND"):
		return http.StatusNotFound
	case code == xerrors.CodeInvalidArgument, strings.HasSuffix(raw, "_VALIDATION"):
		return http.StatusBadRequest
	case code == xerrors.CodeConflict,
		strings.HasSuffix(raw, "_CONFLICT"),
		strings.HasSuffix(raw, "_INVALID_TRANSITION"),
		code == task.CodeTaskNotCancellable,
		code == task.CodeAgentNotActive,
		code == settlement.CodeActiveLoanExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func splitQuery(r *http.Request, key string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
