package telemetry

import (
	"sync"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/rs/zerolog"
)

// Notification is a user-facing message sent by the orchestrator.
type Notification struct {
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Severity  engine.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notifier implements engine.NotificationSink. Notifications are logged and
// kept in memory so they can be shown once a run ends.
type Notifier struct {
	logger *Logger
	max    int

	mu            sync.Mutex
	notifications []Notification
	listeners     []func(Notification)
}

// NewNotifier creates a notifier that keeps the last max notifications.
func NewNotifier(logger *Logger, max int) *Notifier {
	if logger == nil {
		logger = NopLogger()
	}
	if max <= 0 {
		max = 100
	}
	return &Notifier{
		logger: logger.NewComponentLogger("notifier"),
		max:    max,
	}
}

// OnNotify registers fn to be called for every notification.
func (n *Notifier) OnNotify(fn func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Notify implements engine.NotificationSink.
func (n *Notifier) Notify(title, message string, severity engine.Severity) {
	note := Notification{
		Title:     title,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
	}

	n.mu.Lock()
	n.notifications = append(n.notifications, note)
	if len(n.notifications) > n.max {
		n.notifications = n.notifications[len(n.notifications)-n.max:]
	}
	listeners := append([]func(Notification){}, n.listeners...)
	n.mu.Unlock()

	n.logger.zlog.WithLevel(severityLevel(severity)).
		Str("title", title).
		Str("severity", string(severity)).
		Msg(message)

	for _, fn := range listeners {
		fn(note)
	}
}

// Notifications returns the retained notifications, oldest first.
func (n *Notifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}

func severityLevel(s engine.Severity) zerolog.Level {
	switch s {
	case engine.SeverityCritical, engine.SeverityMajor:
		return zerolog.ErrorLevel
	case engine.SeverityMinor, engine.SeverityWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// FanOut returns an EventSink that forwards to every non-nil sink, in order.
func FanOut(sinks ...engine.EventSink) engine.EventSink {
	out := make(engine.MultiEventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
