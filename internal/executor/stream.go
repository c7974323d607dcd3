package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Subscribe opens (or returns the already-open) demultiplexed event channel
// for sessionID, lazily starting the single global SSE subscription on
// first call. The channel is closed when ctx is done or the session is
// unsubscribed via Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, sessionID string) <-chan Event {
	c.mu.Lock()
	ch, ok := c.subscribers[sessionID]
	if !ok {
		ch = make(chan Event, 64)
		c.subscribers[sessionID] = ch
	}
	c.mu.Unlock()

	c.subscribeOnce.Do(func() {
		c.subCtx, c.subCancel = context.WithCancel(context.Background())
		go c.runGlobalEventLoop(c.subCtx)
	})

	go func() {
		<-ctx.Done()
		c.Unsubscribe(sessionID)
	}()

	return ch
}

// Unsubscribe removes and closes sessionID's demultiplexed channel.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subscribers[sessionID]; ok {
		delete(c.subscribers, sessionID)
		close(ch)
	}
}

// Close tears down the global SSE subscription and every subscriber channel.
func (c *Client) Close() {
	c.mu.Lock()
	if c.subCancel != nil {
		c.subCancel()
	}
	subs := c.subscribers
	c.subscribers = make(map[string]chan Event)
	c.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// runGlobalEventLoop holds the single long-lived subscription to GET
// /global/event, reconnecting with linear backoff on transport error
// (SPEC_FULL.md §4.4: 1s × attempt, up to 5 attempts).
func (c *Client) runGlobalEventLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.readEventStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		c.notifyConnection(false, attempt)
		if attempt > c.reconnectAttempts {
			c.logger.Error().Err(err).Int("attempt", attempt).Msg("executor event stream: exceeded reconnect attempts")
			return
		}
		wait := time.Duration(attempt) * c.reconnectBaseWait
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("executor event stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) notifyConnection(connected bool, attempt int) {
	if c.onConnection != nil {
		c.onConnection(connected, attempt)
	}
}

// readEventStream performs one GET /global/event and consumes frames until
// the connection drops or ctx is cancelled. connected reports whether the
// request got as far as an open stream, which lets the caller reset its
// reconnect-attempt counter; the returned error is never nil.
func (c *Client) readEventStream(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/global/event", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	c.notifyConnection(true, 0)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		line := scanner.Text()
		switch {
		case line == "":
			if len(dataLines) > 0 {
				c.dispatchFrame(strings.Join(dataLines, "\n"))
				dataLines = nil
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// comment or unrecognised field; ignored per SSE spec.
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return true, err
	}
	return true, io.ErrUnexpectedEOF
}

func (c *Client) dispatchFrame(raw string) {
	var frame sseFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		c.logger.Warn().Err(err).Str("raw", raw).Msg("executor: dropping malformed SSE frame")
		return
	}

	ev, ok := parseFrame(frame)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.subscribers[ev.SessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		c.logger.Warn().Str("session", ev.SessionID).Msg("executor: subscriber channel full, dropping event")
	}
}

// parseFrame recognises the five SSE event shapes from SPEC_FULL.md §4.4.
func parseFrame(frame sseFrame) (Event, bool) {
	switch frame.Payload.Type {
	case "session.status":
		var props struct {
			SessionID string `json:"sessionID"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(frame.Payload.Properties, &props); err != nil {
			return Event{}, false
		}
		return Event{SessionID: props.SessionID, Type: EventSessionStatus, Status: SessionStatus(props.Status)}, true

	case "message.part.updated":
		var props struct {
			SessionID string `json:"sessionID"`
			Part      struct {
				Type   string `json:"type"`
				Text   string `json:"text"`
				CallID string `json:"callID"`
				Tool   string `json:"tool"`
				State  string `json:"state"`
				Input  any    `json:"input"`
				Output string `json:"output"`
			} `json:"part"`
		}
		if err := json.Unmarshal(frame.Payload.Properties, &props); err != nil {
			return Event{}, false
		}
		switch props.Part.Type {
		case "tool":
			callID := props.Part.CallID
			if callID == "" {
				callID = syntheticCallID()
			}
			return Event{
				SessionID: props.SessionID,
				Type:      EventToolCall,
				ToolCall: &ToolCallEvent{
					CallID: callID,
					Name:   props.Part.Tool,
					State:  ToolCallState(props.Part.State),
					Input:  props.Part.Input,
					Output: props.Part.Output,
				},
			}, true
		case "text":
			return Event{SessionID: props.SessionID, Type: EventText, Text: props.Part.Text}, true
		default:
			return Event{}, false
		}

	case "file.edited":
		var props struct {
			SessionID string `json:"sessionID"`
			Path      string `json:"path"`
		}
		if err := json.Unmarshal(frame.Payload.Properties, &props); err != nil {
			return Event{}, false
		}
		return Event{SessionID: props.SessionID, Type: EventFileEdited, FilePath: props.Path}, true

	case "session.idle":
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(frame.Payload.Properties, &props); err != nil {
			return Event{}, false
		}
		return Event{SessionID: props.SessionID, Type: EventSessionIdle}, true

	default:
		return Event{}, false
	}
}

var syntheticCallSeq atomic.Int64

func syntheticCallID() string {
	n := syntheticCallSeq.Add(1)
	return "tool-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatInt(n, 10)
}
