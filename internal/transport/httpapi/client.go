package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"command_center/internal/domain"
)

// Client is a typed client for a running command center.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 3 * time.Minute},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) EventsURL() string {
	u := c.base + "/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) Agents(ctx context.Context) ([]domain.Agent, error) {
	var out struct {
		Agents []domain.Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/agents", nil, &out)
	return out.Agents, err
}

func (c *Client) Commands(ctx context.Context, limit int) ([]domain.Command, error) {
	var out struct {
		Commands []domain.Command `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, "/commands?limit="+strconv.Itoa(limit), nil, &out)
	return out.Commands, err
}

// Send publishes a command. When req.WaitMS is set the reply is returned,
// otherwise only the command id is filled in.
func (c *Client) Send(ctx context.Context, req CommandRequest) (string, *domain.Command, error) {
	var out struct {
		ID    string          `json:"id"`
		Reply *domain.Command `json:"reply"`
	}
	if err := c.do(ctx, http.MethodPost, "/commands", req, &out); err != nil {
		return "", nil, err
	}
	if out.Reply != nil {
		return out.Reply.ID, out.Reply, nil
	}
	return out.ID, nil, nil
}

func (c *Client) Tasks(ctx context.Context) ([]domain.TaskView, error) {
	var out domain.TaskListPayload
	err := c.do(ctx, http.MethodGet, "/tasks", nil, &out)
	return out.Tasks, err
}

func (c *Client) Task(ctx context.Context, id string) (domain.TaskView, error) {
	var out domain.TaskView
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.TaskView, error) {
	var out domain.TaskEnvelope
	err := c.do(ctx, http.MethodPost, "/tasks", req, &out)
	return out.Task, err
}

func (c *Client) CancelTask(ctx context.Context, id string) (domain.TaskView, error) {
	var out domain.TaskView
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

func (c *Client) Decisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/audit/decisions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Decisions []domain.DecisionLog `json:"decisions"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Decisions, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
