// Package notify delivers credit alerts to chat channels. Alerts go to every
// registered sender (Telegram, Discord) and can be filtered by kind so
// operators receive only what they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Alert kinds raised by the scoring service.
const (
	KindLiquidation = "liquidation"
	KindRejected    = "event_rejected"
	KindScoreBelow  = "score_below"
)

// Severity drives how a sender highlights an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

// Alert is one notification.
type Alert struct {
	Kind     string
	Severity Severity
	Obligor  string
	Title    string
	Body     string
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to its senders. An empty kind list lets every
// kind through.
type Notifier struct {
	senders []Sender
	kinds   map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering the given alert kinds.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers a to every sender unless its kind is filtered out. One
// sender failing does not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.kinds) > 0 && !n.kinds[a.Kind] {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("kind", a.Kind))
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", a.Kind),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("kind", a.Kind),
			slog.String("obligor", a.Obligor),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
