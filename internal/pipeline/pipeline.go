// Package pipeline implements ChunkPipeline: the four-stage
// execute → validate → review → commit runner for a single chunk
// (SPEC_FULL.md §4.1). The pipeline keeps nothing between runs except a
// lock per chunk id, which Run takes to enforce the one-pipeline-per-chunk
// invariant.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	coreerrors "github.com/ariel-frischer/specforge/internal/errors"
	"github.com/ariel-frischer/specforge/internal/executor"
	"github.com/ariel-frischer/specforge/internal/gitworkspace"
	"github.com/ariel-frischer/specforge/internal/model"
	"github.com/ariel-frischer/specforge/internal/repository"
	"github.com/ariel-frischer/specforge/internal/reviewer"
)

// EventType enumerates the ordered events a Pipeline run emits.
type EventType string

const (
	EventToolCall           EventType = "toolCall"
	EventText               EventType = "text"
	EventValidationComplete EventType = "validationComplete"
	EventReviewComplete     EventType = "reviewComplete"
	EventCommit             EventType = "commit"
)

// Event is delivered to the caller's subscriber in strict production order:
// toolCall, text, validationComplete, reviewComplete, commit.
type Event struct {
	Type       EventType
	ChunkID    string
	ToolCall   *model.ToolCall
	Text       string
	Validation *ValidationResult
	Review     *ReviewResult
	CommitHash string
}

// Sink receives Pipeline events. The pipeline calls it synchronously from
// the running stage and buffers nothing, so implementations must not block
// for long.
type Sink func(Event)

// ExecClient is the subset of executor.Client the pipeline drives. Defined
// here (rather than depending on *executor.Client directly) so tests can
// substitute a fake backend.
type ExecClient interface {
	CreateSession(ctx context.Context, dir, title string) (string, error)
	SendPrompt(ctx context.Context, sessionID, dir string, req executor.PromptRequest) error
	AbortSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context, sessionID string) <-chan executor.Event
	GetMessageHistory(ctx context.Context, sessionID string) (*executor.MessageHistory, error)
}

// RevClient is the subset of reviewer.Client the pipeline drives.
type RevClient interface {
	Execute(ctx context.Context, prompt string, opts reviewer.Options) (*reviewer.Result, error)
}

// GitWorkspace is the subset of gitworkspace.Workspace the pipeline drives.
type GitWorkspace interface {
	Snapshot(ctx context.Context, state *model.GitState) (*gitworkspace.Snapshot, error)
	Reset(ctx context.Context, state *model.GitState, snap *gitworkspace.Snapshot) error
	Commit(ctx context.Context, state *model.GitState, message string) (*gitworkspace.CommitResult, error)
}

// ValidationResult is the outcome of the Validate stage.
type ValidationResult struct {
	FilesChanged []string
	AutoFailed   bool
	BuildRan     bool
	BuildSuccess bool
}

// ReviewResult is the outcome of the Review stage.
type ReviewResult struct {
	Status   model.ReviewStatus
	Feedback string
	FixChunk *repository.FixChunkInput
	ParsedOK bool
}

// Outcome is the terminal result of Run.
type Outcome struct {
	ChunkStatus model.ChunkStatus
	Error       string
	CommitHash  string
	FixChunkID  string
}

// Policy tunes stage behavior per SPEC_FULL.md §9 Open Questions.
type Policy struct {
	ExecuteTimeout      time.Duration
	ReviewTimeout       time.Duration
	AutoFailOnNoChanges bool // Open Question 2: default false (lenient)
	BuildCommand        string
	BuildFatal          bool
	ReviewerModel       string
	ExecutorModel       string
}

// DefaultPolicy returns the spec's stated defaults (execute 15m, review 2m).
func DefaultPolicy() Policy {
	return Policy{
		ExecuteTimeout:      15 * time.Minute,
		ReviewTimeout:       2 * time.Minute,
		AutoFailOnNoChanges: false,
	}
}

// Pipeline runs one chunk end-to-end.
type Pipeline struct {
	repo       repository.Repository
	execClient ExecClient
	revClient  RevClient
	workspace  GitWorkspace
	policy     Policy
	logger     zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-chunk-id lock, SPEC_FULL.md §4.1 concurrency contract
}

// New creates a Pipeline.
func New(repo repository.Repository, execClient ExecClient, revClient RevClient, workspace GitWorkspace, policy Policy, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:       repo,
		execClient: execClient,
		revClient:  revClient,
		workspace:  workspace,
		policy:     policy,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) chunkLock(chunkID string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[chunkID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[chunkID] = l
	}
	return l
}

// Run drives chunk through Execute → Validate → Review → Commit, emitting
// events to sink in order, and returns its terminal outcome. At most one
// Run per chunk id may execute at any instant.
func (p *Pipeline) Run(ctx context.Context, state *model.GitState, chunk *model.Chunk, sink Sink) Outcome {
	lock := p.chunkLock(chunk.ID)
	lock.Lock()
	defer lock.Unlock()

	if sink == nil {
		sink = func(Event) {}
	}

	snap, err := p.workspace.Snapshot(ctx, state)
	if err != nil {
		return p.fail(chunk, "snapshot failed: "+err.Error())
	}

	execOutput, execErr := p.runExecute(ctx, state, chunk, sink)
	if execErr != nil {
		_ = p.workspace.Reset(ctx, state, snap)
		if coreerrors.IsCancelled(execErr) {
			return p.cancelled(chunk)
		}
		return p.fail(chunk, "execute failed: "+execErr.Error())
	}

	validation := p.runValidate(ctx, state, chunk, snap)
	sink(Event{Type: EventValidationComplete, ChunkID: chunk.ID, Validation: validation})
	if validation.AutoFailed {
		_ = p.workspace.Reset(ctx, state, snap)
		return p.fail(chunk, "no files changed for a chunk that requires changes")
	}

	review, revErr := p.runReview(ctx, chunk, execOutput)
	sink(Event{Type: EventReviewComplete, ChunkID: chunk.ID, Review: review})
	if revErr != nil && coreerrors.IsCancelled(revErr) {
		_ = p.workspace.Reset(ctx, state, snap)
		return p.cancelled(chunk)
	}

	switch review.Status {
	case model.ReviewPass:
		return p.runCommit(ctx, state, chunk, execOutput, sink)
	case model.ReviewNeedsFix, model.ReviewError:
		return p.spawnFixChunk(ctx, chunk, review)
	default: // model.ReviewFail
		_ = p.workspace.Reset(ctx, state, snap)
		return p.fail(chunk, "review failed: "+review.Feedback)
	}
}

func (p *Pipeline) fail(chunk *model.Chunk, errMsg string) Outcome {
	return Outcome{ChunkStatus: model.ChunkFailed, Error: errMsg}
}

func (p *Pipeline) cancelled(chunk *model.Chunk) Outcome {
	return Outcome{ChunkStatus: model.ChunkFailed, Error: "cancelled"}
}

// runExecute drives the Execute stage: create a session, send the chunk
// description as a prompt, stream tool-call/text events, and read back the
// final message trail on session.idle.
func (p *Pipeline) runExecute(ctx context.Context, state *model.GitState, chunk *model.Chunk, sink Sink) (string, error) {
	timeout := p.policy.ExecuteTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir := state.WorkingDir
	sessionID, err := p.createSessionRetrying(execCtx, workDir, chunk.Title)
	if err != nil {
		return "", err
	}
	defer func() { _ = p.execClient.DeleteSession(context.Background(), sessionID) }()

	events := p.execClient.Subscribe(execCtx, sessionID)

	if err := p.sendPromptRetrying(execCtx, sessionID, workDir, chunk); err != nil {
		_ = p.execClient.AbortSession(context.Background(), sessionID)
		return "", err
	}

	var textBuf strings.Builder
	for {
		select {
		case <-execCtx.Done():
			abortCtx, abortCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = p.execClient.AbortSession(abortCtx, sessionID)
			abortCancel()
			if ctx.Err() != nil {
				return "", coreerrors.Cancelled("execute stage cancelled")
			}
			return "", coreerrors.New(coreerrors.KindTransient, "execute stage timed out")
		case ev, ok := <-events:
			if !ok {
				return textBuf.String(), nil
			}
			switch ev.Type {
			case executor.EventToolCall:
				tc := p.recordToolCall(execCtx, chunk.ID, ev.ToolCall)
				sink(Event{Type: EventToolCall, ChunkID: chunk.ID, ToolCall: tc})
			case executor.EventText:
				textBuf.WriteString(ev.Text)
				sink(Event{Type: EventText, ChunkID: chunk.ID, Text: ev.Text})
			case executor.EventSessionIdle:
				hist, err := p.execClient.GetMessageHistory(execCtx, sessionID)
				if err == nil && hist.Text != "" {
					return hist.Text, nil
				}
				return textBuf.String(), nil
			}
		}
	}
}

// createSessionRetrying retries a transient failure once with 2s backoff,
// per SPEC_FULL.md §4.1's "retried at most once with 2s backoff" contract.
func (p *Pipeline) createSessionRetrying(ctx context.Context, dir, title string) (string, error) {
	id, err := p.execClient.CreateSession(ctx, dir, title)
	if err == nil {
		return id, nil
	}
	if kind, ok := coreerrors.KindOf(err); !ok || kind != coreerrors.KindTransient {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", err
	case <-time.After(2 * time.Second):
	}
	return p.execClient.CreateSession(ctx, dir, title)
}

func (p *Pipeline) sendPromptRetrying(ctx context.Context, sessionID, dir string, chunk *model.Chunk) error {
	req := executor.PromptRequest{Parts: []string{chunk.Description}, Model: p.policy.ExecutorModel}
	err := p.execClient.SendPrompt(ctx, sessionID, dir, req)
	if err == nil {
		return nil
	}
	if kind, ok := coreerrors.KindOf(err); !ok || kind != coreerrors.KindTransient {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(2 * time.Second):
	}
	return p.execClient.SendPrompt(ctx, sessionID, dir, req)
}

func (p *Pipeline) recordToolCall(ctx context.Context, chunkID string, ev *executor.ToolCallEvent) *model.ToolCall {
	tc := &model.ToolCall{
		ID:      ev.CallID,
		ChunkID: chunkID,
		Name:    ev.Name,
		Input:   ev.Input,
		Status:  toolCallStatus(ev.State),
		Output:  ev.Output,
	}
	if p.repo != nil {
		_ = p.repo.CreateToolCall(ctx, tc)
	}
	return tc
}

func toolCallStatus(s executor.ToolCallState) model.ToolCallStatus {
	switch s {
	case executor.ToolCallStateRunning:
		return model.ToolCallRunning
	case executor.ToolCallStateCompleted:
		return model.ToolCallCompleted
	case executor.ToolCallStateError:
		return model.ToolCallError
	default:
		return model.ToolCallPending
	}
}

// requiresChangeKeywords are the heuristic keywords from SPEC_FULL.md §4.1's
// Validate stage ("create", "implement", "add", "fix").
var requiresChangeKeywords = []string{"create", "implement", "add", "fix"}

func descriptionDemandsChanges(description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range requiresChangeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// runValidate diffs the post-execute file set against entrySnap to find
// what the backend actually touched, applies the no-changes auto-fail
// heuristic (Open Question 2, default lenient), and optionally runs a
// configured build command.
func (p *Pipeline) runValidate(ctx context.Context, state *model.GitState, chunk *model.Chunk, entrySnap *gitworkspace.Snapshot) *ValidationResult {
	result := &ValidationResult{}
	if !state.Enabled {
		return result
	}

	after, err := p.workspace.Snapshot(ctx, state)
	if err != nil {
		p.logger.Warn().Err(err).Str("chunk", chunk.ID).Msg("validate: failed to list changed files")
	} else {
		result.FilesChanged = diffFiles(entrySnap, after)
	}

	demandsChanges := descriptionDemandsChanges(chunk.Description)
	if len(result.FilesChanged) == 0 && demandsChanges && p.policy.AutoFailOnNoChanges {
		result.AutoFailed = true
		return result
	}

	if p.policy.BuildCommand != "" {
		result.BuildRan = true
		result.BuildSuccess = p.runBuild(ctx, state.WorkingDir)
	}
	return result
}

// diffFiles returns every path added, removed, or content-modified between
// before and after: paths present only in after (created), present only in
// before (deleted), or present in both with a differing content hash
// (edited in place).
func diffFiles(before, after *gitworkspace.Snapshot) []string {
	if before == nil || after == nil {
		return nil
	}
	var changed []string
	for f, afterHash := range after.Files {
		beforeHash, existed := before.Files[f]
		if !existed || beforeHash != afterHash {
			changed = append(changed, f)
		}
	}
	for f := range before.Files {
		if _, stillThere := after.Files[f]; !stillThere {
			changed = append(changed, f)
		}
	}
	return changed
}

// runBuild shells out to the configured build command; a non-zero exit is
// reported via BuildSuccess and left to the caller to treat as fatal via
// policy.BuildFatal.
func (p *Pipeline) runBuild(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.policy.BuildCommand)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.logger.Warn().Err(err).Str("stderr", stderr.String()).Msg("validate: build command failed")
		return false
	}
	return true
}

// runReview asks ReviewerClient to evaluate the chunk and parses its JSON
// verdict, tolerant of markdown code fencing.
func (p *Pipeline) runReview(ctx context.Context, chunk *model.Chunk, output string) (*ReviewResult, error) {
	timeout := p.policy.ReviewTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	prompt := buildReviewPrompt(chunk, output)
	res, err := p.revClient.Execute(ctx, prompt, reviewer.Options{
		Model:   p.policy.ReviewerModel,
		Timeout: timeout,
	})
	if err != nil {
		if coreerrors.IsCancelled(err) {
			return &ReviewResult{Status: model.ReviewError, Feedback: "cancelled"}, err
		}
		return &ReviewResult{
			Status:   model.ReviewError,
			Feedback: fmt.Sprintf("reviewer invocation failed: %v", err),
		}, nil
	}

	verdict, parseErr := parseReviewVerdict(res.Output)
	if parseErr != nil {
		return &ReviewResult{
			Status:   model.ReviewNeedsFix,
			Feedback: "reviewer response could not be parsed: " + parseErr.Error(),
		}, nil
	}

	rl := &model.ReviewLog{
		ChunkID:  chunk.ID,
		Status:   verdict.Status,
		Feedback: verdict.Feedback,
		Model:    p.policy.ReviewerModel,
	}
	if p.repo != nil {
		_ = p.repo.CreateReviewLog(ctx, rl)
	}

	result := &ReviewResult{Status: verdict.Status, Feedback: verdict.Feedback, ParsedOK: true}
	if verdict.Status == model.ReviewNeedsFix && verdict.FixTitle != "" {
		result.FixChunk = &repository.FixChunkInput{Title: verdict.FixTitle, Description: verdict.Feedback}
	}
	return result, nil
}

// Review runs the Review stage standalone, against arbitrary output text
// (typically a full spec diff rather than one chunk's execute output). Used
// by the sequencer's final-review pass (SPEC_FULL.md §4.2), which evaluates
// the accumulated diff rather than driving a fresh Execute stage.
func (p *Pipeline) Review(ctx context.Context, chunk *model.Chunk, output string) (*ReviewResult, error) {
	return p.runReview(ctx, chunk, output)
}

func buildReviewPrompt(chunk *model.Chunk, output string) string {
	var sb strings.Builder
	sb.WriteString("Review the following completed task.\n\n")
	sb.WriteString("Title: " + chunk.Title + "\n")
	sb.WriteString("Description: " + chunk.Description + "\n")
	sb.WriteString("Output:\n" + output + "\n\n")
	sb.WriteString(`Respond with JSON only: {"status":"pass|needs_fix|fail","feedback":"...","fixChunk":{"title":"...","description":"..."}}`)
	return sb.String()
}

// runCommit stages and commits, recording the hash on the chunk.
func (p *Pipeline) runCommit(ctx context.Context, state *model.GitState, chunk *model.Chunk, output string, sink Sink) Outcome {
	subject := commitSubject(chunk.Title, output)
	message := fmt.Sprintf("feat(%s): %s", slugForCommitScope(chunk.Title), subject)

	result, err := p.workspace.Commit(ctx, state, message)
	if err != nil {
		return p.fail(chunk, "commit failed: "+err.Error())
	}
	sink(Event{Type: EventCommit, ChunkID: chunk.ID, CommitHash: result.Hash})
	return Outcome{ChunkStatus: model.ChunkCompleted, CommitHash: result.Hash}
}

func commitSubject(title, output string) string {
	line := title
	if firstLine := firstNonEmptyLine(output); firstLine != "" {
		line = firstLine
	}
	const maxLen = 72 - len("feat(): ")
	if len(line) > maxLen {
		line = strings.TrimSpace(line[:maxLen])
	}
	return line
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func slugForCommitScope(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = strings.ReplaceAll(s, " ", "-")
	if len(s) > 24 {
		s = s[:24]
	}
	return s
}

// spawnFixChunk creates a fix chunk linked to chunk via ParentChunkID and
// leaves chunk's status as needs_fix (no commit).
func (p *Pipeline) spawnFixChunk(ctx context.Context, chunk *model.Chunk, review *ReviewResult) Outcome {
	if review.FixChunk == nil {
		review.FixChunk = &repository.FixChunkInput{
			Title:       "Fix: " + chunk.Title,
			Description: review.Feedback,
		}
	}
	fixChunkID := ""
	if p.repo != nil {
		fix, err := p.repo.InsertFixChunk(ctx, chunk.ID, *review.FixChunk)
		if err != nil {
			return p.fail(chunk, "failed to create fix chunk: "+err.Error())
		}
		fixChunkID = fix.ID
	} else {
		fixChunkID = uuid.NewString()
	}
	return Outcome{ChunkStatus: model.ChunkNeedsFix, FixChunkID: fixChunkID}
}

// reviewVerdict is the parsed shape of the reviewer's JSON response.
type reviewVerdict struct {
	Status   model.ReviewStatus
	Feedback string
	FixTitle string
}

func parseReviewVerdict(raw string) (*reviewVerdict, error) {
	jsonText := stripCodeFence(raw)
	parsed, err := decodeVerdictJSON(jsonText)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func decodeVerdictJSON(s string) (*reviewVerdict, error) {
	var body struct {
		Status   string `json:"status"`
		Feedback string `json:"feedback"`
		FixChunk *struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"fixChunk"`
	}
	if err := json.Unmarshal([]byte(s), &body); err != nil {
		return nil, err
	}
	if body.Status == "" {
		return nil, fmt.Errorf("missing status field")
	}
	v := &reviewVerdict{Status: model.ReviewStatus(body.Status), Feedback: body.Feedback}
	if body.FixChunk != nil {
		v.FixTitle = body.FixChunk.Title
		if v.Feedback == "" {
			v.Feedback = body.FixChunk.Description
		}
	}
	return v, nil
}

