package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/holidaibutler/warden/internal/model"
)

// Task is one attempt at running an agent against a destination.
type Task struct {
	Descriptor  model.AgentDescriptor
	Destination string
	ScheduledAt time.Time
	Attempt     int
}

// Result is what a successful attempt reports.
type Result struct {
	Metrics model.Metrics  `json:"metrics"`
	Details map[string]any `json:"details"`
}

// Executor performs an agent's unit of work. Implementations should honor
// ctx, but a task that overruns its timeout is abandoned either way.
type Executor interface {
	Execute(ctx context.Context, t Task) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Task) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t Task) (Result, error) { return f(ctx, t) }

// ErrNoExecutor is returned for agents with neither a registered executor
// nor an endpoint.
var ErrNoExecutor = errors.New("scheduler: no executor for agent")

// Executors resolves the executor for a descriptor: a registered one by
// agent key first, then the HTTP executor when the descriptor has an
// endpoint.
type Executors struct {
	mu     sync.RWMutex
	byKey  map[string]Executor
	remote Executor
}

// NewExecutors creates a resolver. A nil remote executor disables
// endpoint-based execution.
func NewExecutors(remote Executor) *Executors {
	return &Executors{byKey: map[string]Executor{}, remote: remote}
}

// Register binds an executor to an agent key.
func (e *Executors) Register(agentKey string, ex Executor) {
	e.mu.Lock()
	e.byKey[agentKey] = ex
	e.mu.Unlock()
}

// Lookup returns the executor for d.
func (e *Executors) Lookup(d model.AgentDescriptor) (Executor, error) {
	e.mu.RLock()
	ex, ok := e.byKey[d.Key]
	e.mu.RUnlock()
	if ok {
		return ex, nil
	}
	if d.Endpoint != "" && e.remote != nil {
		return e.remote, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, d.Key)
}

// maxResponseBytes bounds an agent endpoint's reply.
const maxResponseBytes = 1 << 20

// HTTPExecutor runs agents exposed as HTTP endpoints. It POSTs the task as
// JSON to the descriptor's endpoint and expects a 2xx reply carrying a
// Result.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor creates an executor. A nil client uses an instrumented
// default.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPExecutor{client: client}
}

type taskRequest struct {
	AgentKey    string    `json:"agent_key"`
	Destination string    `json:"destination"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Attempt     int       `json:"attempt"`
}

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, t Task) (Result, error) {
	body, err := json.Marshal(taskRequest{
		AgentKey:    t.Descriptor.Key,
		Destination: t.Destination,
		ScheduledAt: t.ScheduledAt,
		Attempt:     t.Attempt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Descriptor.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call %s: %w", t.Descriptor.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("agent endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var res Result
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return Result{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return res, nil
}
