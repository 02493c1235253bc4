package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/drillgrid/internal/api"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/navigation"
	"github.com/g960059/drillgrid/internal/promotion"
)

const defaultUnaryTimeout = 10 * time.Second

// Client talks to a drillgrid daemon. Besides its own calls it serves as a
// remote task store, promotion sink, command dispatcher and existence
// checker for engines running outside the daemon.
type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

var (
	_ promotion.TaskStore          = (*Client)(nil)
	_ promotion.Sink               = (*Client)(nil)
	_ navigation.CommandDispatcher = (*Client)(nil)
	_ navigation.ExistenceChecker  = (*Client)(nil)
)

func New(baseURL string) *Client {
	return NewWithClient(baseURL, nil)
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:      baseURL,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

// Is lets a revision-conflict response match model.ErrRevisionConflict.
func (e *RequestError) Is(target error) bool {
	return target == model.ErrRevisionConflict && e != nil &&
		(e.StatusCode == http.StatusPreconditionFailed || e.Code == model.ErrConflict)
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &out, "health response")
	return out, err
}

type WaitOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WaitReady polls the health endpoint until it answers, backing off between
// attempts. Non-retryable request errors end the wait.
func (c *Client) WaitReady(ctx context.Context, opts WaitOptions) (api.HealthResponse, error) {
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 100 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = 2 * time.Second
		if maxBackoff < minBackoff {
			maxBackoff = minBackoff
		}
	}
	backoff := minBackoff
	for {
		health, err := c.Health(ctx)
		if err == nil {
			return health, nil
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return api.HealthResponse{}, err
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return api.HealthResponse{}, fmt.Errorf("daemon not ready: %w", err)
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// ReadAll fetches the task array and its revision from the ETag header.
func (c *Client) ReadAll(ctx context.Context) (model.TaskSet, error) {
	body, header, err := c.do(ctx, http.MethodGet, "/api/tasks", nil, nil, nil)
	if err != nil {
		return model.TaskSet{}, err
	}
	var tasks []model.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return model.TaskSet{}, fmt.Errorf("decode tasks: %w", err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	rev, err := parseETag(header.Get("ETag"))
	if err != nil {
		return model.TaskSet{}, err
	}
	return model.TaskSet{Revision: rev, Tasks: tasks}, nil
}

// WriteAll replaces the collection when set.Revision still matches. A
// negative revision writes unconditionally.
func (c *Client) WriteAll(ctx context.Context, set model.TaskSet) error {
	ifMatch := "*"
	if set.Revision >= 0 {
		ifMatch = strconv.Quote(strconv.FormatInt(set.Revision, 10))
	}
	tasks := set.Tasks
	if tasks == nil {
		tasks = []model.Task{}
	}
	_, _, err := c.do(ctx, http.MethodPut, "/api/tasks", nil, tasks, http.Header{"If-Match": {ifMatch}})
	if err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return nil
}

func (c *Client) ListTasks(ctx context.Context) (api.TasksEnvelope, error) {
	var out api.TasksEnvelope
	err := c.getJSON(ctx, "/v1/tasks", nil, &out, "tasks envelope")
	return out, err
}

func (c *Client) UpsertTask(ctx context.Context, task model.Task) (model.Task, error) {
	var out api.TaskEnvelope
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/tasks", task, &out, "task envelope"); err != nil {
		return model.Task{}, err
	}
	return out.Task, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	_, _, err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, nil, nil)
	return err
}

// Submit posts a promotion payload to the daemon's sink endpoint.
func (c *Client) Submit(ctx context.Context, payload promotion.Payload) error {
	var out api.PromotionRecorded
	return c.sendJSON(ctx, http.MethodPost, "/api/promote", payload, &out, "promotion record")
}

func (c *Client) ListPromotions(ctx context.Context, key string, limit int) (api.PromotionsEnvelope, error) {
	query := url.Values{}
	if key = strings.TrimSpace(key); key != "" {
		query.Set("key", key)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.PromotionsEnvelope
	err := c.getJSON(ctx, "/api/promote", query, &out, "promotions envelope")
	return out, err
}

// Promote asks the daemon to promote a main-table row.
func (c *Client) Promote(ctx context.Context, row int) (promotion.Result, error) {
	var out api.PromoteResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/promote", api.PromoteRequest{Row: row}, &out, "promote response"); err != nil {
		return promotion.Result{}, err
	}
	return out.Result, nil
}

// Run dispatches commands through the daemon's shell endpoint.
func (c *Client) Run(ctx context.Context, commands []string) error {
	_, err := c.Shell(ctx, commands)
	return err
}

func (c *Client) Shell(ctx context.Context, commands []string) (api.ShellResponse, error) {
	var out api.ShellResponse
	err := c.sendJSON(ctx, http.MethodPost, "/api/shell", api.ShellRequest{Commands: commands}, &out, "shell response")
	return out, err
}

func (c *Client) Exists(ctx context.Context, locator string) (bool, error) {
	var out api.ExistsResponse
	if err := c.getJSON(ctx, "/api/exists", url.Values{"locator": {locator}}, &out, "exists response"); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *Client) Table(ctx context.Context, locator string) (api.TableEnvelope, error) {
	var out api.TableEnvelope
	err := c.getJSON(ctx, "/api/table", url.Values{"locator": {locator}}, &out, "table envelope")
	return out, err
}

func (c *Client) Main(ctx context.Context) (api.TableEnvelope, error) {
	var out api.TableEnvelope
	err := c.getJSON(ctx, "/v1/main", nil, &out, "main table envelope")
	return out, err
}

func (c *Client) Dispatches(ctx context.Context, limit int) (api.DispatchesEnvelope, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.DispatchesEnvelope
	err := c.getJSON(ctx, "/v1/dispatches", query, &out, "dispatches envelope")
	return out, err
}

// CreateSession opens a dashboard session, applying click when non-nil.
func (c *Client) CreateSession(ctx context.Context, click *api.ClickRequest) (api.SessionEnvelope, error) {
	var body any
	if click != nil {
		body = click
	}
	var out api.SessionEnvelope
	err := c.sendJSON(ctx, http.MethodPost, "/v1/sessions", body, &out, "session envelope")
	return out, err
}

func (c *Client) Session(ctx context.Context, id string) (api.SessionEnvelope, error) {
	path, err := sessionPath(id, "")
	if err != nil {
		return api.SessionEnvelope{}, err
	}
	var out api.SessionEnvelope
	err = c.getJSON(ctx, path, nil, &out, "session envelope")
	return out, err
}

func (c *Client) Click(ctx context.Context, id string, row, col int) (api.SessionEnvelope, error) {
	return c.sessionAction(ctx, id, "click", api.ClickRequest{Row: row, Col: col})
}

func (c *Client) Select(ctx context.Context, id string, view, row, col int) (api.SessionEnvelope, error) {
	return c.sessionAction(ctx, id, "select", api.SelectRequest{View: view, Row: row, Col: col})
}

func (c *Client) Back(ctx context.Context, id string) (api.SessionEnvelope, error) {
	return c.sessionAction(ctx, id, "back", nil)
}

func (c *Client) Forward(ctx context.Context, id string) (api.SessionEnvelope, error) {
	return c.sessionAction(ctx, id, "forward", nil)
}

func (c *Client) ReturnToStep(ctx context.Context, id string, step int) (api.SessionEnvelope, error) {
	return c.sessionAction(ctx, id, "return", api.ReturnRequest{Step: step})
}

func (c *Client) Searches(ctx context.Context, id string, view int) (api.SearchesEnvelope, error) {
	path, err := sessionPath(id, "searches")
	if err != nil {
		return api.SearchesEnvelope{}, err
	}
	var out api.SearchesEnvelope
	err = c.getJSON(ctx, path, url.Values{"view": {strconv.Itoa(view)}}, &out, "searches envelope")
	return out, err
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	path, err := sessionPath(id, "")
	if err != nil {
		return err
	}
	_, _, err = c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	return err
}

func (c *Client) sessionAction(ctx context.Context, id, action string, body any) (api.SessionEnvelope, error) {
	path, err := sessionPath(id, action)
	if err != nil {
		return api.SessionEnvelope{}, err
	}
	var out api.SessionEnvelope
	err = c.sendJSON(ctx, http.MethodPost, path, body, &out, "session envelope")
	return out, err
}

func sessionPath(id, action string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("session id is required")
	}
	path := "/v1/sessions/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any, what string) error {
	body, _, err := c.do(ctx, http.MethodGet, path, query, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any, what string) error {
	body, _, err := c.do(ctx, method, path, nil, in, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, header http.Header) ([]byte, http.Header, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, resp.Header, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, resp.Header, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, resp.Header, nil
}

func parseETag(raw string) (int64, error) {
	raw = strings.Trim(strings.TrimPrefix(strings.TrimSpace(raw), "W/"), `"`)
	if raw == "" {
		return 0, fmt.Errorf("missing task revision")
	}
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task revision %q", raw)
	}
	return rev, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
