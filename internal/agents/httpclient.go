package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/tracing"
)

// taskPath is the worker protocol endpoint path.
const taskPath = "/api/v1/tasks"

// errorBodyLimit caps how much of a failed response body is kept for the
// error message.
const errorBodyLimit = 2048

// HTTPError carries a worker protocol status code so recovery can classify
// the failure.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("worker returned status %d: %s", e.StatusCode, e.Message)
}

// HTTPClient executes worker tasks over the JSON task protocol.
type HTTPClient struct {
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates a client. The transport timeout is a backstop; the
// per-call deadline comes from the request context set by the scheduler.
func NewHTTPClient(timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPClient{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Execute posts the task to the worker endpoint and decodes its response.
func (c *HTTPClient) Execute(ctx context.Context, endpoint string, req TaskRequest) (TaskResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TaskResponse{}, fmt.Errorf("encode task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+taskPath, bytes.NewReader(body))
	if err != nil {
		return TaskResponse{}, fmt.Errorf("build task request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TaskResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return TaskResponse{}, &HTTPError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	var out TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TaskResponse{}, fmt.Errorf("malformed worker response: %w", err)
	}
	if out.TaskID != "" && out.TaskID != req.TaskID {
		c.logger.Warn("Worker responded with mismatched task id",
			zap.String("sent", req.TaskID),
			zap.String("received", out.TaskID),
		)
	}
	return out, nil
}
