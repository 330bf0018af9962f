package mixgraph

import (
	"sync/atomic"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier sends desktop notifications through the session's
// notification daemon
type ToastNotifier struct {
	logger   *zap.SugaredLogger
	disabled atomic.Bool
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled follows the notifications config key
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.disabled.Store(!enabled)
}

func (tn *ToastNotifier) Notify(title string, message string) {
	if tn.disabled.Load() {
		tn.logger.Debugw("Notifications disabled, not sending", "title", title)
		return
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
