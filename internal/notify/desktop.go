// Package notify raises desktop notifications for failed tasks and
// finished runs.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/events"
)

// Sender delivers one notification.
type Sender interface {
	Send(title, message string) error
}

// Desktop shells out to osascript on macOS and notify-send elsewhere.
type Desktop struct {
	goos string
	run  func(name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: combinedOutput}
}

func combinedOutput(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func (d *Desktop) Send(title, message string) error {
	name, args := d.command(title, message)
	if out, err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Desktop) command(title, message string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--app-name=exprun", title, message}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Subscriber notifies on failed and terminated attempts. Delivery errors are
// logged and otherwise ignored.
func Subscriber(s Sender, logger zerolog.Logger) events.Subscriber {
	return func(e events.Event) {
		if e.Record == nil {
			return
		}
		var title string
		switch e.Type {
		case events.EventTaskFailed:
			title = "exprun: task failed"
		case events.EventTaskTerminated:
			title = "exprun: task terminated"
		default:
			return
		}
		msg := fmt.Sprintf("%s (attempt %d)", e.Record.Name, e.Record.Attempt)
		if e.Record.Error != nil {
			msg += ": " + *e.Record.Error
		}
		if err := s.Send(title, msg); err != nil {
			logger.Debug().Err(err).Msg("desktop_notify_failed")
		}
	}
}
