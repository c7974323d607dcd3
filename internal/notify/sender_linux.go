//go:build linux

package notify

import "os/exec"

type linuxSender struct{}

func newLinuxSender() Sender {
	return &linuxSender{}
}

func (s *linuxSender) SendVisual(n Notification) error {
	return exec.Command("notify-send", n.Title, n.Message).Run()
}

func (s *linuxSender) SendSound(soundFile string) error {
	if soundFile == "" {
		soundFile = "/usr/share/sounds/freedesktop/stereo/complete.oga"
	}
	if toolAvailable("paplay") {
		return exec.Command("paplay", soundFile).Run()
	}
	return exec.Command("aplay", soundFile).Run()
}

func (s *linuxSender) VisualAvailable() bool {
	return toolAvailable("notify-send")
}

func (s *linuxSender) SoundAvailable() bool {
	return toolAvailable("paplay") || toolAvailable("aplay")
}
