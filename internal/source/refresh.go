package source

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "viewsical/internal/log"
)

// Refresher reloads a Store on a cron schedule.
type Refresher struct {
	store *Store
	spec  string
}

// NewRefresher validates spec as a standard five-field cron expression.
func NewRefresher(store *Store, spec string) (*Refresher, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return &Refresher{store: store, spec: spec}, nil
}

// Run loads every view once, then refreshes on schedule until ctx is done.
// Overlapping runs are skipped.
func (r *Refresher) Run(ctx context.Context) error {
	_ = r.refresh(ctx, "initial")

	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(r.spec, func() {
		_ = r.refresh(ctx, "scheduled")
	}); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	appLog.Info("source refresher started", "schedule", r.spec, "views", len(r.store.Names()))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("source refresher stopped")
	return nil
}

// refresh reloads every view and logs a summary when some of them failed.
// Per-view failures are already logged by the store.
func (r *Refresher) refresh(ctx context.Context, run string) error {
	err := r.store.Refresh(ctx)
	if err != nil {
		appLog.Error("source refresh incomplete", err, "run", run, "views", len(r.store.Names()))
	}
	return err
}

// cronLogger routes cron's own logging into the app log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
