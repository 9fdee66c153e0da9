// Package client is the typed HTTP client for the Task REST API. It owns the
// wire translation, idempotency keys, retry policy and circuit breaking for
// every call the sync engine makes.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"boardsync/domain"
	"boardsync/wire"
)

const maxResponseSize = 4 * 1024 * 1024 // 4 MiB

// ErrMissingAuth marks operations aborted because no bearer token could be
// obtained. Nothing was applied locally, so no revert is needed.
var ErrMissingAuth = errors.New("auth token unavailable")

// TokenSource supplies a fresh bearer token for every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token, used in tests and
// local development.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}
	return string(s), nil
}

// ServerError is a non-2xx response. The server's message is surfaced
// verbatim when present.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request rejected with status %d", e.StatusCode)
}

// Config bundles the client's dependencies.
type Config struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
	Logger  *log.Logger
	Retry   RetryConfig
}

// Client talks to the Task REST API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *log.Logger
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// New creates a Client. BaseURL and Tokens are required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("client: token source is required")
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retry := cfg.Retry
	if retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		tokens:  cfg.Tokens,
		logger:  cfg.Logger,
		breaker: newBreaker(cfg.Logger),
		retry:   retry,
	}, nil
}

// Preflight verifies a bearer token can be obtained so callers can abort a
// mutation before applying any optimistic state.
func (c *Client) Preflight(ctx context.Context) error {
	if _, err := c.tokens.Token(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingAuth, err)
	}
	return nil
}

// CreateTask persists a new task and returns the server's representation,
// including the server-assigned id.
func (c *Client) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	payload := wire.FromDomain(task)
	payload.ID = "" // server assigns
	body, err := sonic.Marshal(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode task: %w", err)
	}
	data, err := c.call(ctx, http.MethodPost, "/tasks", "/tasks", body)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// UpdateTask saves all editable task fields.
func (c *Client) UpdateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	body, err := wire.EncodeTask(task)
	if err != nil {
		return domain.Task{}, err
	}
	data, err := c.call(ctx, http.MethodPut, "/tasks/{id}", "/tasks/"+task.ID, body)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// UpdateStatus moves a task to a new board column.
func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Task, error) {
	body, err := sonic.Marshal(map[string]string{"status": strings.ToUpper(string(status))})
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode status: %w", err)
	}
	data, err := c.call(ctx, http.MethodPatch, "/tasks/{id}/status", "/tasks/"+id+"/status", body)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// DeleteTask removes a task server-side.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	body, err := sonic.Marshal(map[string][]string{"ids": {id}})
	if err != nil {
		return fmt.Errorf("encode delete: %w", err)
	}
	_, err = c.call(ctx, http.MethodPost, "/tasks/delete", "/tasks/delete", body)
	return err
}

// WorkspaceTasks fetches all tasks of a workspace.
func (c *Client) WorkspaceTasks(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	data, err := c.call(ctx, http.MethodGet, "/tasks/workspace/{id}", "/tasks/workspace/"+workspaceID, nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeTaskList(data)
}

// MyTasks fetches the tasks assigned to the authenticated user.
func (c *Client) MyTasks(ctx context.Context) ([]domain.Task, error) {
	data, err := c.call(ctx, http.MethodGet, "/tasks/my-tasks", "/tasks/my-tasks", nil)
	if err != nil {
		return nil, err
	}
	return wire.DecodeTaskList(data)
}

// AddSubtask creates a subtask and returns the updated parent task.
func (c *Client) AddSubtask(ctx context.Context, taskID, title string) (domain.Task, error) {
	body, err := sonic.Marshal(map[string]string{"title": title})
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode subtask: %w", err)
	}
	data, err := c.call(ctx, http.MethodPost, "/tasks/{id}/subtasks", "/tasks/"+taskID+"/subtasks", body)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// UpdateSubtask saves a single subtask and returns the updated parent task.
// Subtask mutations are persisted individually, never batched with a task
// save.
func (c *Client) UpdateSubtask(ctx context.Context, taskID string, subtask domain.Subtask) (domain.Task, error) {
	body, err := sonic.Marshal(wire.SubtaskPayload{ID: subtask.ID, Title: subtask.Title, Completed: subtask.Completed})
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode subtask: %w", err)
	}
	data, err := c.call(ctx, http.MethodPut, "/tasks/{id}/subtasks/{sid}", "/tasks/"+taskID+"/subtasks/"+subtask.ID, body)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// DeleteSubtask removes a subtask and returns the updated parent task.
func (c *Client) DeleteSubtask(ctx context.Context, taskID, subtaskID string) (domain.Task, error) {
	data, err := c.call(ctx, http.MethodDelete, "/tasks/{id}/subtasks/{sid}", "/tasks/"+taskID+"/subtasks/"+subtaskID, nil)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// AddDependency creates a dependency edge and returns the updated dependent
// task. The server assigns the edge id needed for later removal.
func (c *Client) AddDependency(ctx context.Context, taskID, prerequisiteID string) (domain.Task, error) {
	body, err := sonic.Marshal(map[string]string{"depends_on_task_id": prerequisiteID})
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode dependency: %w", err)
	}
	data, err := c.call(ctx, http.MethodPost, "/tasks/{id}/dependencies", "/tasks/"+taskID+"/dependencies", body)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// RemoveDependency deletes a dependency edge by its own id, without
// re-sending the whole task, and returns the updated dependent task.
func (c *Client) RemoveDependency(ctx context.Context, taskID, edgeID string) (domain.Task, error) {
	data, err := c.call(ctx, http.MethodDelete, "/tasks/{id}/dependencies/{eid}", "/tasks/"+taskID+"/dependencies/"+edgeID, nil)
	if err != nil {
		return domain.Task{}, err
	}
	return wire.DecodeTask(data)
}

// CommentCount returns the number of comments on a task.
func (c *Client) CommentCount(ctx context.Context, taskID string) (int, error) {
	data, err := c.call(ctx, http.MethodGet, "/tasks/{id}/comments", "/tasks/"+taskID+"/comments", nil)
	if err != nil {
		return 0, err
	}
	var comments []sonic.NoCopyRawMessage
	if err := sonic.Unmarshal(data, &comments); err != nil {
		return 0, fmt.Errorf("decode comments: %w", err)
	}
	return len(comments), nil
}

func (c *Client) call(ctx context.Context, method, route, path string, payload []byte) (data []byte, err error) {
	metrics, spanCtx := newRequestMetrics(ctx, c.logger, method, route)
	ctx = spanCtx
	status := 0
	defer func() {
		if err == nil {
			status = http.StatusOK
		}
		metrics.Log(status, err)
	}()

	authStart := time.Now()
	token, tokenErr := c.tokens.Token(ctx)
	metrics.ObserveAuth(time.Since(authStart))
	if tokenErr != nil {
		metrics.SetErrorStage("auth")
		err = fmt.Errorf("%w: %v", ErrMissingAuth, tokenErr)
		return nil, err
	}

	idemKey := ""
	if method != http.MethodGet {
		idemKey = uuid.NewString()
	}

	attempts := 0
	sendStart := time.Now()
	data, err = doWithRetry(ctx, c.breaker, c.retry, func() ([]byte, error) {
		attempts++
		return c.send(ctx, method, path, token, idemKey, payload)
	})
	metrics.ObserveSend(time.Since(sendStart))
	metrics.SetAttempts(attempts)
	if err != nil {
		var srvErr *ServerError
		if errors.As(err, &srvErr) {
			status = srvErr.StatusCode
			metrics.SetErrorStage("server")
		} else {
			metrics.SetErrorStage("transport")
		}
		return nil, err
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path, token, idemKey string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: messageFromBody(data)}
	}
	return data, nil
}

func messageFromBody(data []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := sonic.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	if envelope.Error != "" {
		return envelope.Error
	}
	return envelope.Message
}
