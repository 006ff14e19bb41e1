// Package instance manages the external terminal process tree for each
// tenant account: launch, stop with escalating teardown, status, and
// periodic liveness checks. Launched processes are detached and survive
// agent restarts; the manager tracks them as pid handles in an in-memory
// registry, never as owned child objects.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/display"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/proc"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/provision"
)

// Instance is the ephemeral registry entry for one running terminal.
type Instance struct {
	AccountID int64
	PID       int
	Display   int
	Root      string
	StartedAt time.Time
}

// Status is the observable state of one account's instance.
type Status struct {
	Running bool
	PID     int
	Display int
	Uptime  time.Duration
}

// HealthFailure reports a registered process found dead.
type HealthFailure struct {
	AccountID int64
	PID       int
}

// Recorder receives lifecycle audit events. May be nil.
type Recorder interface {
	Record(accountID int64, event, detail string) error
}

// Options configures a Manager.
type Options struct {
	SettleDelay time.Duration
	StopGrace   time.Duration
}

// Manager owns the instance registry. At most one instance exists per
// account; launch and stop for the same account are mutually exclusive.
type Manager struct {
	prov     *provision.Provisioner
	displays *display.Allocator
	runner   proc.Runner
	logger   *slog.Logger
	events   Recorder
	opts     Options
	sleep    func(time.Duration)
	clock    func() time.Time

	mu       sync.Mutex
	registry map[int64]*Instance

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

// New creates a Manager. events may be nil.
func New(prov *provision.Provisioner, displays *display.Allocator, runner proc.Runner, events Recorder, opts Options, logger *slog.Logger) *Manager {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 8 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Manager{
		prov:     prov,
		displays: displays,
		runner:   runner,
		logger:   logger,
		events:   events,
		opts:     opts,
		sleep:    time.Sleep,
		clock:    time.Now,
		registry: make(map[int64]*Instance),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// SetSleep overrides settle/grace waits. Tests only.
func (m *Manager) SetSleep(sleep func(time.Duration)) {
	m.sleep = sleep
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

func (m *Manager) accountLock(accountID int64) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// Launch provisions and starts the account's terminal instance. If an
// instance is already registered it is fully stopped first; two
// instances never run for one account. The call blocks through
// provisioning, spawn, and a settle delay.
func (m *Manager) Launch(ctx context.Context, acct protocol.PendingAccount) error {
	lock := m.accountLock(acct.ID)
	lock.Lock()
	defer lock.Unlock()

	if existing := m.lookup(acct.ID); existing != nil {
		m.logger.Info("stopping previous instance before relaunch",
			"account", acct.ID, "pid", existing.PID)
		m.teardown(ctx, existing)
	}

	disp, err := m.displays.Acquire(acct.ID)
	if err != nil {
		return fmt.Errorf("allocate display: %w", err)
	}

	if err := m.provisionAndSpawn(ctx, acct, disp); err != nil {
		// Leave nothing half-running: the display server may already be
		// up even though the terminal never started.
		m.killDisplay(ctx, disp)
		m.displays.Release(acct.ID)
		m.record(acct.ID, "launch_failed", err.Error())
		return err
	}

	m.sleep(m.opts.SettleDelay)
	return nil
}

func (m *Manager) provisionAndSpawn(ctx context.Context, acct protocol.PendingAccount, disp int) error {
	if err := m.prov.EnsureDisplay(ctx, acct.ID, disp); err != nil {
		return err
	}
	if err := m.prov.EnsureBootstrap(ctx, acct.ID, disp); err != nil {
		return err
	}
	if err := m.prov.EnsureTerminal(ctx, acct.ID, disp); err != nil {
		return err
	}
	if err := m.prov.WriteLoginConfig(acct.ID, provision.Credentials{
		Login:    acct.Login,
		Password: acct.Password,
		Server:   acct.BrokerServer,
	}); err != nil {
		return err
	}
	if err := m.prov.DeployPlugin(acct.ID, provision.PluginConfig{
		Role:        acct.Role,
		ChannelCode: acct.ChannelCode,
		MasterKey:   acct.MasterKey,
		LotMode:     acct.LotMode,
		LotValue:    acct.LotValue,
		PushURL:     acct.PushURL,
	}); err != nil {
		return err
	}

	root := m.prov.Root(acct.ID)
	logPath := filepath.Join(m.prov.LogDir(acct.ID), "terminal.log")
	env := []string{
		"WINEPREFIX=" + root,
		fmt.Sprintf("DISPLAY=:%d", disp),
	}
	pid, err := m.runner.Start(m.prov.TerminalDir(acct.ID), env, logPath,
		"wine", m.prov.TerminalPath(acct.ID), m.prov.StartupConfigPath(acct.ID))
	if err != nil {
		return fmt.Errorf("spawn terminal: %w", err)
	}

	inst := &Instance{
		AccountID: acct.ID,
		PID:       pid,
		Display:   disp,
		Root:      root,
		StartedAt: m.clock(),
	}
	m.mu.Lock()
	m.registry[acct.ID] = inst
	m.mu.Unlock()

	m.logger.Info("instance launched",
		"account", acct.ID, "pid", pid, "display", disp)
	m.record(acct.ID, "launched", fmt.Sprintf("pid=%d display=:%d", pid, disp))
	return nil
}

// Stop tears down the account's instance: graceful terminate, grace
// period, forced kill, then best-effort cleanup of the process group
// bound to the isolated root and of the virtual display. The account is
// removed from the registry unconditionally.
func (m *Manager) Stop(ctx context.Context, accountID int64) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	inst := m.lookup(accountID)
	if inst == nil {
		return nil
	}
	m.teardown(ctx, inst)
	return nil
}

// teardown runs the three-step stop sequence. Each step is attempted
// independently; a failure in one never prevents the others. Caller must
// hold the account lock.
func (m *Manager) teardown(ctx context.Context, inst *Instance) {
	if m.runner.Alive(inst.PID) {
		if err := m.runner.Signal(inst.PID, syscall.SIGTERM); err != nil {
			m.logger.Warn("graceful terminate failed",
				"account", inst.AccountID, "pid", inst.PID, "error", err)
		}
		m.sleep(m.opts.StopGrace)
		if m.runner.Alive(inst.PID) {
			m.logger.Warn("instance did not stop gracefully, killing",
				"account", inst.AccountID, "pid", inst.PID)
			if err := m.runner.Signal(inst.PID, syscall.SIGKILL); err != nil {
				m.logger.Warn("forced kill failed",
					"account", inst.AccountID, "pid", inst.PID, "error", err)
			}
		}
	}

	// Anything still attached to the isolated root (crash handlers,
	// updaters) goes with it.
	if err := m.runner.Run(ctx, nil, "pkill", "-f", inst.Root); err != nil {
		m.logger.Debug("no remaining processes for root",
			"account", inst.AccountID)
	}

	m.killDisplay(ctx, inst.Display)

	m.mu.Lock()
	delete(m.registry, inst.AccountID)
	m.mu.Unlock()
	m.displays.Release(inst.AccountID)

	m.logger.Info("instance stopped", "account", inst.AccountID)
	m.record(inst.AccountID, "stopped", "")
}

func (m *Manager) killDisplay(ctx context.Context, disp int) {
	pattern := fmt.Sprintf("Xvfb :%d", disp)
	if err := m.runner.Run(ctx, nil, "pkill", "-f", pattern); err != nil {
		m.logger.Debug("no display server to stop", "display", disp)
	}
}

// Status reports the account's instance state from the registry.
func (m *Manager) Status(accountID int64) Status {
	inst := m.lookup(accountID)
	if inst == nil {
		return Status{}
	}
	return Status{
		Running: true,
		PID:     inst.PID,
		Display: inst.Display,
		Uptime:  m.clock().Sub(inst.StartedAt),
	}
}

// Registered reports whether the account has a registered instance.
func (m *Manager) Registered(accountID int64) bool {
	return m.lookup(accountID) != nil
}

// RegisteredIDs returns every account with a registered instance.
func (m *Manager) RegisteredIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	return ids
}

// HealthCheck probes every registered process for liveness. Dead
// processes are deregistered and reported; nothing is relaunched.
func (m *Manager) HealthCheck() []HealthFailure {
	m.mu.Lock()
	snapshot := make([]*Instance, 0, len(m.registry))
	for _, inst := range m.registry {
		snapshot = append(snapshot, inst)
	}
	m.mu.Unlock()

	var failures []HealthFailure
	for _, inst := range snapshot {
		if m.runner.Alive(inst.PID) {
			continue
		}
		m.logger.Error("instance process died",
			"account", inst.AccountID, "pid", inst.PID)
		m.mu.Lock()
		delete(m.registry, inst.AccountID)
		m.mu.Unlock()
		m.displays.Release(inst.AccountID)
		m.record(inst.AccountID, "died", fmt.Sprintf("pid=%d", inst.PID))
		failures = append(failures, HealthFailure{AccountID: inst.AccountID, PID: inst.PID})
	}
	return failures
}

func (m *Manager) lookup(accountID int64) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry[accountID]
}

func (m *Manager) record(accountID int64, event, detail string) {
	if m.events == nil {
		return
	}
	if err := m.events.Record(accountID, event, detail); err != nil {
		m.logger.Warn("event log write failed", "error", err)
	}
}
