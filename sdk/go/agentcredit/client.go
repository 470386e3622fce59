package agentcredit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentCredit platform REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// AgentRegistration represents the payload required to upload a new agent.
type AgentRegistration struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	BundleRef string `json:"bundle_ref"`
}

// Agent contains the platform view of an uploaded agent.
type Agent struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BundleRef     string `json:"bundle_ref"`
	Status        string `json:"status"`
	IdentityID    string `json:"identity_id,omitempty"`
	EscrowAccount string `json:"escrow_account,omitempty"`
	CreditScore   int    `json:"credit_score"`
	LastError     string `json:"last_error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// TaskDeclaration represents the payload required to declare a task.
type TaskDeclaration struct {
	ID          string `json:"id,omitempty"`
	AgentID     string `json:"agent_id"`
	ClientRef   string `json:"client_ref,omitempty"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// Task contains minimal information about a declared task.
type Task struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	ClientRef    string `json:"client_ref,omitempty"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	RequiresLoan bool   `json:"requires_loan"`
	ProofHash    string `json:"proof_hash,omitempty"`
	LoanID       string `json:"loan_id,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// Loan contains the loan attached to a task, when one exists.
type Loan struct {
	ID                string `json:"id"`
	LenderID          string `json:"lender_id,omitempty"`
	Principal         int64  `json:"principal"`
	InterestRateBp    int    `json:"interest_rate_bp,omitempty"`
	ExpectedRepayment int64  `json:"expected_repayment,omitempty"`
	RepaidAmount      int64  `json:"repaid_amount,omitempty"`
	Status            string `json:"status"`
}

// TaskDetail contains an extended view of a task including its loan.
type TaskDetail struct {
	Task
	Loan *Loan `json:"loan,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentcredit api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentcredit api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentCredit platform API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL, apiKey string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, apiKey: apiKey}
}

// APIKey returns the currently stored API key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SetAPIKey overrides the stored API key.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// RegisterAgent uploads an agent bundle and enqueues it for admission. The
// returned record starts in the pending state; poll GetAgent until it becomes
// active or failed.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents", reg, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// GetAgent fetches an agent record by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// WaitForAgent polls GetAgent until the agent reaches one of the given
// statuses or the context is cancelled.
func (c *Client) WaitForAgent(ctx context.Context, agentID string, statuses ...string) (Agent, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		agent, err := c.GetAgent(ctx, agentID)
		if err == nil {
			for _, status := range statuses {
				if agent.Status == status {
					return agent, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return Agent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeclareTask registers a task intake and enqueues it for funding.
func (c *Client) DeclareTask(ctx context.Context, decl TaskDeclaration) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", decl, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details, including the matched loan when one exists.
func (c *Client) GetTask(ctx context.Context, taskID string) (TaskDetail, error) {
	var detail TaskDetail
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &detail); err != nil {
		return TaskDetail{}, err
	}
	return detail, nil
}

// ListAgentTasks fetches the tasks declared by a given agent.
func (c *Client) ListAgentTasks(ctx context.Context, agentID string) ([]Task, error) {
	var tasks []Task
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/tasks"
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTaskStatus requests a lifecycle transition for a task, for example
// moving a funded task to in_progress or cancelling a pending one.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var task Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/status"
	payload := struct {
		Status string `json:"status"`
	}{Status: status}
	if err := c.patch(ctx, endpoint, payload, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// CompleteTask marks an in-progress task as completed.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/complete"
	if err := c.post(ctx, endpoint, nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitForTask polls GetTask until the task reaches one of the given statuses
// or the context is cancelled.
func (c *Client) WaitForTask(ctx context.Context, taskID string, statuses ...string) (TaskDetail, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		detail, err := c.GetTask(ctx, taskID)
		if err == nil {
			for _, status := range statuses {
				if detail.Status == status {
					return detail, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return TaskDetail{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForPayment polls a task until the client payment has been settled and
// the task marked paid. It returns an APIError-wrapped failure when the task
// fails instead.
func (c *Client) WaitForPayment(ctx context.Context, taskID string) (TaskDetail, error) {
	detail, err := c.WaitForTask(ctx, taskID, "paid", "failed", "cancelled")
	if err != nil {
		return TaskDetail{}, err
	}
	if detail.Status != "paid" {
		return detail, fmt.Errorf("task %s ended as %s: %s", taskID, detail.Status, detail.LastError)
	}
	return detail, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) patch(ctx context.Context, endpoint string, payload, out any) error {
	return c.send(ctx, http.MethodPatch, endpoint, payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	key := c.APIKey()
	if key == "" {
		return nil, errors.New("agentcredit: api key is not set")
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
