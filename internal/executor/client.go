// Package executor implements ExecutorClient, a typed client for the
// long-running HTTP+SSE backend that runs chunk implementations
// (SPEC_FULL.md §4.4, §6.2). Session lifecycle is plain HTTP; streaming
// results arrive on a global Server-Sent Events feed demultiplexed by
// session id.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
)

// SessionStatus is the reported busy state of an executor session.
type SessionStatus string

const (
	StatusBusy  SessionStatus = "busy"
	StatusIdle  SessionStatus = "idle"
	StatusError SessionStatus = "error"
)

// ToolCallState mirrors model.ToolCallStatus for wire events, kept distinct
// so the executor package has no compile dependency on internal/model.
type ToolCallState string

const (
	ToolCallStatePending   ToolCallState = "pending"
	ToolCallStateRunning   ToolCallState = "running"
	ToolCallStateCompleted ToolCallState = "completed"
	ToolCallStateError     ToolCallState = "error"
)

// Event is the demultiplexed, parsed form of a single SSE frame.
type Event struct {
	SessionID string
	Type      EventType
	Status    SessionStatus // set on EventSessionStatus
	Text      string        // set on EventText (appended chunk of running text)
	ToolCall  *ToolCallEvent
	FilePath  string // set on EventFileEdited
}

// EventType enumerates the SSE event kinds recognised by the parser.
type EventType string

const (
	EventSessionStatus EventType = "session.status"
	EventToolCall      EventType = "tool_call"
	EventText          EventType = "text"
	EventFileEdited    EventType = "file.edited"
	EventSessionIdle   EventType = "session.idle"
)

// ToolCallEvent is a parsed message.part.updated event with part.type=tool.
type ToolCallEvent struct {
	CallID string
	Name   string
	State  ToolCallState
	Input  any
	Output string
}

// HealthStatus is the result of checkHealth.
type HealthStatus struct {
	Healthy bool
	Version string
}

// ConnectionStateFunc is invoked whenever the SSE subscription transitions
// connected/disconnected, per SPEC_FULL.md §4.4's reconnection contract.
type ConnectionStateFunc func(connected bool, attempt int)

// PromptRequest is the body of sendPrompt.
type PromptRequest struct {
	Parts        []string
	Model        string
	SystemPrompt string
}

// Client is the ExecutorClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	reconnectAttempts int
	reconnectBaseWait time.Duration

	mu            sync.Mutex
	subscribers   map[string]chan Event // sessionID -> fan-out channel
	onConnection  ConnectionStateFunc
	subscribeOnce sync.Once
	subCtx        context.Context
	subCancel     context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a zerolog.Logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithConnectionStateFunc registers a callback invoked on reconnect events.
func WithConnectionStateFunc(f ConnectionStateFunc) Option {
	return func(c *Client) { c.onConnection = f }
}

// WithReconnectPolicy overrides the default 5-attempt, 1s-linear-backoff policy.
func WithReconnectPolicy(attempts int, baseWait time.Duration) Option {
	return func(c *Client) {
		c.reconnectAttempts = attempts
		c.reconnectBaseWait = baseWait
	}
}

// New creates an ExecutorClient against baseURL (default http://localhost:4096).
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:4096"
	}
	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		logger:            zerolog.Nop(),
		reconnectAttempts: 5,
		reconnectBaseWait: time.Second,
		subscribers:       make(map[string]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckHealth calls GET /global/health.
func (c *Client) CheckHealth(ctx context.Context) (HealthStatus, error) {
	var body struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/global/health", nil, &body); err != nil {
		return HealthStatus{}, err
	}
	return HealthStatus{Healthy: body.Healthy, Version: body.Version}, nil
}

// CreateSession calls POST /session?directory=... and returns the new session id.
func (c *Client) CreateSession(ctx context.Context, dir, title string) (string, error) {
	path := "/session?directory=" + url.QueryEscape(dir)
	if title != "" {
		path += "&title=" + url.QueryEscape(title)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", coreerrors.New(coreerrors.KindProtocol, "createSession: empty session id in response")
	}
	return resp.ID, nil
}

// SendPrompt calls POST /session/{id}/prompt_async. Results arrive on the
// event stream, not on this call's response (which is a bare 204).
func (c *Client) SendPrompt(ctx context.Context, sessionID, dir string, req PromptRequest) error {
	body := struct {
		Directory    string   `json:"directory"`
		Parts        []string `json:"parts"`
		Model        string   `json:"model,omitempty"`
		SystemPrompt string   `json:"systemPrompt,omitempty"`
	}{Directory: dir, Parts: req.Parts, Model: req.Model, SystemPrompt: req.SystemPrompt}
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil)
}

// GetSessionStatus calls GET /session/{id}/status.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID+"/status", nil, &resp); err != nil {
		return "", err
	}
	return SessionStatus(resp.Status), nil
}

// AbortSession calls POST /session/{id}/abort.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil, nil)
}

// DeleteSession calls DELETE /session/{id}.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil)
}

// MessageHistory is the shape returned by GET /session/{id}/message, used to
// recover events missed during a reconnect (SPEC_FULL.md §4.4).
type MessageHistory struct {
	Text      string
	ToolCalls []ToolCallEvent
}

// GetMessageHistory calls GET /session/{id}/message.
func (c *Client) GetMessageHistory(ctx context.Context, sessionID string) (*MessageHistory, error) {
	var resp struct {
		Parts []struct {
			Type   string `json:"type"`
			Text   string `json:"text"`
			CallID string `json:"callID"`
			Tool   string `json:"tool"`
			State  string `json:"state"`
			Input  any    `json:"input"`
			Output string `json:"output"`
		} `json:"parts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &resp); err != nil {
		return nil, err
	}
	hist := &MessageHistory{}
	var sb strings.Builder
	for _, p := range resp.Parts {
		switch p.Type {
		case "text":
			sb.WriteString(p.Text)
		case "tool":
			hist.ToolCalls = append(hist.ToolCalls, ToolCallEvent{
				CallID: p.CallID, Name: p.Tool, State: ToolCallState(p.State), Input: p.Input, Output: p.Output,
			})
		}
	}
	hist.Text = sb.String()
	return hist, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindProtocol, err, "marshalling request body")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, fmt.Sprintf("%s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return coreerrors.New(coreerrors.KindTransient, fmt.Sprintf("%s %s: server error %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode == http.StatusNotFound {
		return coreerrors.New(coreerrors.KindNotFound, fmt.Sprintf("%s %s: not found", method, path))
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return coreerrors.New(coreerrors.KindProtocol, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return coreerrors.Wrap(coreerrors.KindProtocol, err, "decoding response body")
	}
	return nil
}

// sseFrame is the envelope every SSE data line carries per SPEC_FULL.md §6.2.
type sseFrame struct {
	Payload struct {
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
	} `json:"payload"`
}
