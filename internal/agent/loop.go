package agent

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/instance"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
)

// Coordinator is the control-plane surface the loop polls. *Client
// implements it against the real coordinator.
type Coordinator interface {
	Pending(ctx context.Context) ([]protocol.PendingAccount, error)
	StopQueue(ctx context.Context) ([]protocol.StopAccount, error)
	ReportStatus(ctx context.Context, report protocol.StatusReport) error
	Heartbeat(ctx context.Context, hostname string) error
}

// Loop polls the coordinator on a fixed interval and converges local
// instances toward the desired state. Ticks are strictly sequential;
// a slow launch delays the next poll rather than overlapping it.
type Loop struct {
	coord    Coordinator
	manager  *instance.Manager
	logger   *slog.Logger
	interval time.Duration
	hostname string
}

// NewLoop creates a polling loop. The interval must be positive.
func NewLoop(coord Coordinator, manager *instance.Manager, interval time.Duration, logger *slog.Logger) *Loop {
	hostname, _ := os.Hostname()
	return &Loop{
		coord:    coord,
		manager:  manager,
		logger:   logger,
		interval: interval,
		hostname: hostname,
	}
}

// Run polls until ctx is cancelled, then stops every registered
// instance before returning. A tick failure is logged and the next
// tick proceeds normally.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop starting", "interval", l.interval, "hostname", l.hostname)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if err := l.coord.Heartbeat(ctx, l.hostname); err != nil {
		l.logger.Warn("heartbeat failed", "error", err)
	}

	pending, err := l.coord.Pending(ctx)
	if err != nil {
		l.logger.Warn("fetching pending accounts failed", "error", err)
		pending = nil
	}
	stops, err := l.coord.StopQueue(ctx)
	if err != nil {
		l.logger.Warn("fetching stop queue failed", "error", err)
		stops = nil
	}

	// An account can be queued for start and stop in the same tick
	// when the user flip-flops between polls. Stop wins; the account
	// reappears in pending on a later tick if it should still run.
	stopSet := make(map[int64]bool, len(stops))
	for _, s := range stops {
		stopSet[s.ID] = true
	}

	for _, acct := range pending {
		if stopSet[acct.ID] {
			l.logger.Info("skipping launch, stop requested in same tick", "account", acct.ID)
			continue
		}
		l.launch(ctx, acct)
	}

	for _, s := range stops {
		l.stop(ctx, s.ID)
	}

	for _, failure := range l.manager.HealthCheck() {
		l.logger.Warn("instance process died", "account", failure.AccountID, "pid", failure.PID)
		l.report(ctx, failure.AccountID, protocol.StatusError, "terminal process died")
	}
}

func (l *Loop) launch(ctx context.Context, acct protocol.PendingAccount) {
	if l.manager.Registered(acct.ID) {
		// Already running locally but the coordinator still lists it:
		// the earlier running report was lost. Re-report instead of
		// relaunching.
		l.report(ctx, acct.ID, protocol.StatusRunning, "")
		return
	}

	l.report(ctx, acct.ID, protocol.StatusStarting, "")
	if err := l.manager.Launch(ctx, acct); err != nil {
		l.logger.Error("launch failed", "account", acct.ID, "error", err)
		l.report(ctx, acct.ID, protocol.StatusError, err.Error())
		return
	}
	l.report(ctx, acct.ID, protocol.StatusRunning, "")
}

func (l *Loop) stop(ctx context.Context, accountID int64) {
	if err := l.manager.Stop(ctx, accountID); err != nil {
		l.logger.Error("stop failed", "account", accountID, "error", err)
		l.report(ctx, accountID, protocol.StatusError, err.Error())
		return
	}
	l.report(ctx, accountID, protocol.StatusStopped, "")
}

// report posts a status observation. Failures are logged, not
// propagated: a lost report must not abort the tick, and the account
// reappears in the relevant queue on the next poll.
func (l *Loop) report(ctx context.Context, accountID int64, status protocol.AccountStatus, detail string) {
	err := l.coord.ReportStatus(ctx, protocol.StatusReport{
		AccountID: accountID,
		Status:    status,
		Detail:    detail,
	})
	if err != nil {
		l.logger.Warn("status report failed",
			"account", accountID, "status", status, "error", err)
	}
}

// shutdown stops all registered instances. Runs with a fresh context
// because the loop's own context is already cancelled when called.
func (l *Loop) shutdown() {
	ids := l.manager.RegisteredIDs()
	if len(ids) == 0 {
		return
	}
	l.logger.Info("shutting down, stopping instances", "count", len(ids))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range ids {
		l.stop(ctx, id)
	}
}
