package tick

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner fires ticks on a cron schedule inside the server process. A tick
// still running when the next one is due is skipped.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// NewRunner creates a runner whose jobs receive baseCtx.
func NewRunner(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := cronLogger{}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		baseCtx: baseCtx,
	}
}

// Add schedules job. spec accepts six-field expressions and descriptors
// such as "@every 5m".
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() { job(r.baseCtx) })
}

// Schedule runs the orchestrator on spec.
func (r *Runner) Schedule(spec string, o *Orchestrator) (cron.EntryID, error) {
	return r.Add(spec, func(ctx context.Context) {
		if _, err := o.Run(ctx); err != nil {
			slog.Error("scheduled tick failed", "err", err)
		}
	})
}

func (r *Runner) Start() {
	slog.Info("cron started", "entries", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop stops scheduling and waits for a running tick to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("cron stopped")
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
