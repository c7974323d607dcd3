package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ariel-frischer/specforge/internal/model"
)

func TestChunkNotificationReflectsStatus(t *testing.T) {
	tests := []struct {
		name   string
		status model.ChunkStatus
		want   NotificationType
	}{
		{"completed is success", model.ChunkCompleted, TypeSuccess},
		{"failed is failure", model.ChunkFailed, TypeFailure},
		{"needs fix is warning, not failure", model.ChunkNeedsFix, TypeWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := chunkNotification("Add login", "wire handler", tt.status)
			assert.Equal(t, tt.want, n.NotificationType)
			assert.Contains(t, n.Message, "Add login")
			assert.Contains(t, n.Message, "wire handler")
			assert.Contains(t, n.Message, string(tt.status))
		})
	}
}

func TestSpecNotificationSummarizesCounts(t *testing.T) {
	n := specNotification("Add login", model.SpecCompleted, 3, 1, 4)
	assert.Equal(t, TypeSuccess, n.NotificationType)
	assert.Contains(t, n.Message, "3 chunk(s) completed")
	assert.Contains(t, n.Message, "1 failed")
	assert.Contains(t, n.Message, "4 commit(s)")

	failed := specNotification("Add login", model.SpecFailed, 1, 2, 1)
	assert.Equal(t, TypeFailure, failed.NotificationType)
}

func TestOnChunkCompleteSkipsWhenDisabled(t *testing.T) {
	sender := &countingSender{}
	h := NewHandlerWithSender(NotificationConfig{Enabled: false, OnStageComplete: true}, sender)
	h.OnChunkComplete("Add login", "wire handler", model.ChunkCompleted)
	assert.Zero(t, sender.visualCalls+sender.soundCalls)
}

func TestOnChunkCompleteSkipsWhenHookDisabled(t *testing.T) {
	// Enabled alone isn't enough; OnStageComplete must also opt in, same gate
	// OnStageComplete itself uses, so nothing is sent whatever the CI/TTY
	// probe inside isEnabled() reports.
	sender := &countingSender{}
	h := NewHandlerWithSender(NotificationConfig{Enabled: true, OnStageComplete: false}, sender)
	h.OnChunkComplete("Add login", "wire handler", model.ChunkCompleted)
	assert.Zero(t, sender.visualCalls+sender.soundCalls)
}

type countingSender struct {
	visualCalls int
	soundCalls  int
}

func (s *countingSender) SendVisual(_ Notification) error { s.visualCalls++; return nil }
func (s *countingSender) SendSound(_ string) error         { s.soundCalls++; return nil }
func (s *countingSender) VisualAvailable() bool            { return true }
func (s *countingSender) SoundAvailable() bool             { return true }
