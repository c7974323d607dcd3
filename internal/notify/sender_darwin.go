//go:build darwin

package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

type darwinSender struct{}

func newDarwinSender() Sender {
	return &darwinSender{}
}

func (s *darwinSender) SendVisual(n Notification) error {
	script := fmt.Sprintf("display notification %q with title %q", escapeAppleScript(n.Message), escapeAppleScript(n.Title))
	return exec.Command("osascript", "-e", script).Run()
}

func (s *darwinSender) SendSound(soundFile string) error {
	if soundFile == "" {
		soundFile = "/System/Library/Sounds/Glass.aiff"
	}
	return exec.Command("afplay", soundFile).Run()
}

func (s *darwinSender) VisualAvailable() bool {
	return toolAvailable("osascript")
}

func (s *darwinSender) SoundAvailable() bool {
	return toolAvailable("afplay")
}

func escapeAppleScript(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
