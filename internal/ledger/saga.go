package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/metrics"
)

type compensation struct {
	step string
	undo func(context.Context) error
}

// Saga runs a sequence of mutations across independent rows. When a step
// fails, the compensations of the steps already done run in reverse order.
// A compensation that itself fails is logged as degraded and counted; the
// original step error is still what the caller receives.
type Saga struct {
	name  string
	attrs []any
	done  []compensation
}

// NewSaga starts a saga. attrs are attached to every log line it writes.
func NewSaga(name string, attrs ...any) *Saga {
	return &Saga{name: name, attrs: attrs}
}

// Do runs action. On success undo (which may be nil) is remembered; on
// failure the saga unwinds and the error is returned.
func (s *Saga) Do(ctx context.Context, step string, action, undo func(context.Context) error) error {
	if err := action(ctx); err != nil {
		s.Abort(ctx)
		return fmt.Errorf("%s: %s: %w", s.name, step, err)
	}
	if undo != nil {
		s.done = append(s.done, compensation{step: step, undo: undo})
	}
	return nil
}

// Abort unwinds every completed step. It reports whether all compensations
// succeeded. Calling Abort twice is a no-op the second time.
func (s *Saga) Abort(ctx context.Context) bool {
	clean := true
	for i := len(s.done) - 1; i >= 0; i-- {
		c := s.done[i]
		if err := c.undo(ctx); err != nil {
			clean = false
			metrics.DegradedTotal.WithLabelValues(s.name).Inc()
			slog.Error("compensation failed",
				append([]any{"saga", s.name, "step", c.step, "degraded", true, "err", err}, s.attrs...)...)
		}
	}
	s.done = nil
	return clean
}

// Degraded logs a step that left a record needing manual reconciliation
// without unwinding anything.
func Degraded(site, msg string, err error, attrs ...any) {
	metrics.DegradedTotal.WithLabelValues(site).Inc()
	slog.Error(msg, append([]any{"site", site, "degraded", true, "kind", apperr.Kind(err), "err", err}, attrs...)...)
}
