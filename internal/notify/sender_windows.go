//go:build windows

package notify

import (
	"fmt"
	"os/exec"
)

type windowsSender struct{}

func newWindowsSender() Sender {
	return &windowsSender{}
}

func (s *windowsSender) SendVisual(n Notification) error {
	script := fmt.Sprintf(
		`[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null; `+
			`$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02); `+
			`$text = $template.GetElementsByTagName('text'); `+
			`$text.Item(0).AppendChild($template.CreateTextNode(%q)) | Out-Null; `+
			`$text.Item(1).AppendChild($template.CreateTextNode(%q)) | Out-Null; `+
			`$toast = [Windows.UI.Notifications.ToastNotification]::new($template); `+
			`[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier(%q).Show($toast)`,
		n.Title, n.Message, n.Title)
	return exec.Command("powershell", "-NoProfile", "-Command", script).Run()
}

func (s *windowsSender) SendSound(soundFile string) error {
	if soundFile == "" {
		return exec.Command("powershell", "-NoProfile", "-Command", "[console]::beep(800,300)").Run()
	}
	script := fmt.Sprintf("(New-Object Media.SoundPlayer %q).PlaySync()", soundFile)
	return exec.Command("powershell", "-NoProfile", "-Command", script).Run()
}

func (s *windowsSender) VisualAvailable() bool {
	return toolAvailable("powershell")
}

func (s *windowsSender) SoundAvailable() bool {
	return toolAvailable("powershell")
}
