// Package alert delivers human-readable operational messages. Delivery is
// best-effort: a failing channel is logged and never affects the caller.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata" // timezone names must resolve in minimal containers
)

// TimestampLayout is the layout used to prefix alert messages.
const TimestampLayout = "2006/01/02 15:04"

// Notifier sends one message to an alert channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
	Close() error
}

// Config configures the alert channel.
type Config struct {
	WebhookURL string
	Timezone   string // IANA name, e.g. "Asia/Tokyo"
	Timeout    time.Duration
	Retries    int
	Disabled   bool
}

// NewNotifier creates an appropriate notifier based on configuration.
func NewNotifier(cfg Config, log *slog.Logger) Notifier {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case cfg.Disabled:
		return noopNotifier{}
	case cfg.WebhookURL == "":
		log.Info("no alert webhook configured, alerts go to the log only")
		return NewLogNotifier(log)
	default:
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout, cfg.Retries)
	}
}

// Sink formats and forwards alerts for one job. It is safe for concurrent
// use when the underlying Notifier is.
type Sink struct {
	notifier Notifier
	name     string
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewSink creates a sink labelling every message with name and a timestamp
// in loc. A nil loc means UTC.
func NewSink(n Notifier, name string, loc *time.Location, log *slog.Logger) *Sink {
	if n == nil {
		n = noopNotifier{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		notifier: n,
		name:     name,
		loc:      loc,
		timeout:  15 * time.Second,
		now:      time.Now,
		log:      log.With("component", "alert"),
	}
}

// Alertf formats and sends a message. Failures are logged and swallowed.
func (s *Sink) Alertf(ctx context.Context, format string, args ...any) {
	if s == nil {
		return
	}
	text := s.Format(fmt.Sprintf(format, args...))

	// Alerts about cancellation must still go out.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.notifier.Notify(sendCtx, text); err != nil {
		s.log.Warn("alert delivery failed", "error", err, "text", text)
	}
}

// Format prefixes msg with the job name and the local timestamp.
func (s *Sink) Format(msg string) string {
	ts := FormatTime(s.now(), s.loc)
	if s.name == "" {
		return fmt.Sprintf("%s %s", ts, msg)
	}
	return fmt.Sprintf("[%s] %s %s", s.name, ts, msg)
}

// FormatTime renders t in loc with the zone abbreviation appended.
func FormatTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return local.Format(TimestampLayout) + " " + local.Format("MST")
}

// LoadLocation resolves a configured timezone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", name, err)
	}
	return loc, nil
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a notifier backed by log.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "alert")}
}

func (n *LogNotifier) Notify(_ context.Context, text string) error {
	n.log.Warn(text)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// noopNotifier discards all alerts.
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string) error { return nil }

func (noopNotifier) Close() error { return nil }
