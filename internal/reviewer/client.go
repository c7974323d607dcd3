// Package reviewer implements ReviewerClient, a typed wrapper around a
// short-lived CLI child process that streams newline-delimited JSON events
// to stdout (SPEC_FULL.md §4.5, §6.2). Used for chunk review and the
// optional final-review pass.
package reviewer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
)

// Options configures a single execute/executeStream invocation.
type Options struct {
	Model            string
	WorkingDirectory string
	SystemPrompt     string
	Timeout          time.Duration
}

// ToolCallRecord captures one tool_use block opened and closed during a run.
type ToolCallRecord struct {
	ID     string
	Name   string
	Input  any
	Output string
}

// Result is the outcome of Execute.
type Result struct {
	Success   bool
	Output    string
	ToolCalls []ToolCallRecord
	Cost      float64
	InTokens  int
	OutTokens int
	Duration  time.Duration
	SessionID string
}

// Client wraps a reviewer CLI (default "claude") invoked as a child process
// per chunk review request.
type Client struct {
	cliPath      string
	killGrace    time.Duration
	argTemplate  string // optional "{{PROMPT}}"-style override; empty uses the default argv shape

	mu      sync.Mutex
	current *exec.Cmd
}

// Option configures a Client.
type Option func(*Client)

// WithKillGrace overrides the default 5s SIGTERM-to-SIGKILL grace period.
func WithKillGrace(d time.Duration) Option {
	return func(c *Client) { c.killGrace = d }
}

// WithArgTemplate sets a "{{PROMPT}}"-style argv template that replaces the
// default argv shape; the prompt is shell-quoted into it and the result is
// split with shlex.
func WithArgTemplate(tmpl string) Option {
	return func(c *Client) { c.argTemplate = tmpl }
}

// New creates a ReviewerClient. cliPath defaults to "claude".
func New(cliPath string, opts ...Option) *Client {
	if cliPath == "" {
		cliPath = "claude"
	}
	c := &Client{cliPath: cliPath, killGrace: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs prompt to completion and returns the aggregated result.
func (c *Client) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	var result Result
	var toolCalls []ToolCallRecord
	open := make(map[string]int) // tool_use id -> index in toolCalls
	var textBuf strings.Builder

	err := c.executeStream(ctx, prompt, opts, func(ev Event) {
		switch ev.Type {
		case EventSystem:
			if ev.Subtype == "init" {
				result.SessionID = ev.SessionID
			}
		case EventAssistant:
			switch ev.Delta {
			case deltaContentBlockStart:
				if ev.ToolUseID != "" {
					toolCalls = append(toolCalls, ToolCallRecord{ID: ev.ToolUseID, Name: ev.ToolName, Input: ev.ToolInput})
					open[ev.ToolUseID] = len(toolCalls) - 1
				}
			case deltaTextDelta:
				textBuf.WriteString(ev.Text)
			case deltaThinkingDelta:
				// thinking signal; not captured in final output.
			}
		case EventUser:
			if idx, ok := open[ev.ToolUseID]; ok {
				toolCalls[idx].Output = ev.Text
				delete(open, ev.ToolUseID)
			}
		case EventResult:
			result.Cost = ev.Cost
			result.InTokens = ev.InTokens
			result.OutTokens = ev.OutTokens
		}
	})

	result.Output = textBuf.String()
	result.ToolCalls = toolCalls
	result.Success = err == nil
	if err != nil {
		return &result, err
	}
	return &result, nil
}

// Abort terminates any in-flight child process started by this client.
func (c *Client) Abort() {
	c.mu.Lock()
	cmd := c.current
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

// EventType enumerates the line-delimited JSON event kinds from SPEC_FULL.md §4.5.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
)

const (
	deltaContentBlockStart = "content_block_start"
	deltaTextDelta         = "text_delta"
	deltaThinkingDelta     = "thinking_delta"
)

// Event is the parsed form of one NDJSON line.
type Event struct {
	Type      EventType
	Subtype   string
	SessionID string
	Delta     string
	Text      string
	ToolUseID string
	ToolName  string
	ToolInput any
	Cost      float64
	InTokens  int
	OutTokens int
}

// executeStream spawns the CLI and invokes sink for every parsed event in
// arrival order. Timeout triggers SIGTERM then SIGKILL after killGrace.
func (c *Client) executeStream(ctx context.Context, prompt string, opts Options, sink func(Event)) error {
	args, err := c.buildArgs(prompt, opts)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindProtocol, err, "building reviewer CLI arguments")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command(args[0], args[1:]...)
	if opts.WorkingDirectory != "" {
		cmd.Dir = opts.WorkingDirectory
	}
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindTransient, err, "opening reviewer stdout pipe")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return coreerrors.New(coreerrors.KindNotFound, fmt.Sprintf("reviewer CLI %q not found", c.cliPath))
		}
		return coreerrors.Wrap(coreerrors.KindTransient, err, "starting reviewer CLI")
	}

	c.mu.Lock()
	c.current = cmd
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			ev, ok := parseLine(line)
			if !ok {
				continue
			}
			sink(ev)
		}
	}()

	waitErr := c.waitWithGrace(runCtx, cmd)
	<-scanDone

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return coreerrors.New(coreerrors.KindProtocol, fmt.Sprintf("reviewer CLI exited %d: %s", exitErr.ExitCode(), stderr.String()))
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return coreerrors.New(coreerrors.KindTransient, "reviewer CLI timed out")
		}
		if coreerrors.IsCancelled(waitErr) || errors.Is(ctx.Err(), context.Canceled) {
			return coreerrors.Cancelled("reviewer CLI aborted")
		}
		return coreerrors.Wrap(coreerrors.KindTransient, waitErr, "waiting for reviewer CLI")
	}
	return nil
}

// waitWithGrace waits for cmd to exit; if runCtx is cancelled first it sends
// SIGTERM and escalates to SIGKILL after c.killGrace.
func (c *Client) waitWithGrace(runCtx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case err := <-done:
			return err
		case <-time.After(c.killGrace):
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-done
			return runCtx.Err()
		}
	}
}

// buildArgs constructs argv per SPEC_FULL.md §6.2:
// <cliPath> -p <prompt> --output-format stream-json --model <model> [--system-prompt <s>]
func (c *Client) buildArgs(prompt string, opts Options) ([]string, error) {
	if c.argTemplate != "" {
		expanded := strings.ReplaceAll(c.argTemplate, "{{PROMPT}}", shellQuote(prompt))
		return shlex.Split(expanded)
	}
	args := []string{c.cliPath, "-p", prompt, "--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	return args, nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseLine(line string) (Event, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	var typ string
	if err := json.Unmarshal(raw["type"], &typ); err != nil {
		return Event{}, false
	}

	switch EventType(typ) {
	case EventSystem:
		var subtype, sessionID string
		_ = json.Unmarshal(raw["subtype"], &subtype)
		_ = json.Unmarshal(raw["session_id"], &sessionID)
		return Event{Type: EventSystem, Subtype: subtype, SessionID: sessionID}, true

	case EventAssistant:
		return parseAssistantLine(raw)

	case EventUser:
		return parseUserLine(raw)

	case EventResult:
		var body struct {
			TotalCostUSD float64 `json:"total_cost_usd"`
			Usage        struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		_ = json.Unmarshal(line2bytes(raw), &body)
		return Event{Type: EventResult, Cost: body.TotalCostUSD, InTokens: body.Usage.InputTokens, OutTokens: body.Usage.OutputTokens}, true

	default:
		return Event{}, false
	}
}

// line2bytes re-marshals the raw map back to bytes for nested decode
// convenience; cheap relative to the process-spawn cost of each review.
func line2bytes(raw map[string]json.RawMessage) []byte {
	data, _ := json.Marshal(raw)
	return data
}

func parseAssistantLine(raw map[string]json.RawMessage) (Event, bool) {
	var message struct {
		Content []struct {
			Type  string `json:"type"`
			ID    string `json:"id"`
			Name  string `json:"name"`
			Input any    `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw["message"], &message); err == nil {
		for _, block := range message.Content {
			if block.Type == "tool_use" {
				return Event{Type: EventAssistant, Delta: deltaContentBlockStart, ToolUseID: block.ID, ToolName: block.Name, ToolInput: block.Input}, true
			}
		}
	}

	var delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	}
	if err := json.Unmarshal(raw["delta"], &delta); err == nil && delta.Type != "" {
		switch delta.Type {
		case deltaTextDelta:
			return Event{Type: EventAssistant, Delta: deltaTextDelta, Text: delta.Text}, true
		case deltaThinkingDelta:
			return Event{Type: EventAssistant, Delta: deltaThinkingDelta, Text: delta.Thinking}, true
		}
	}
	return Event{}, false
}

func parseUserLine(raw map[string]json.RawMessage) (Event, bool) {
	var message struct {
		Content []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw["message"], &message); err != nil {
		return Event{}, false
	}
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			var text string
			if err := json.Unmarshal(block.Content, &text); err != nil {
				text = string(block.Content)
			}
			return Event{Type: EventUser, ToolUseID: block.ToolUseID, Text: text}, true
		}
	}
	return Event{}, false
}
