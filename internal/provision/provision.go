// Package provision brings a tenant's isolated runtime root from
// nonexistent to "terminal installed and ready to configure". Every step
// is idempotent: completed work is detected by marker files or installed
// artifacts and skipped on re-run.
//
// The isolated root is a per-account wine prefix; the virtual display is
// an Xvfb server. Both are implementation details of running a Windows
// GUI trading terminal headless on Linux hosts.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/checksum"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/fsutil"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/proc"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/protocol"
)

const (
	bootstrapMarker = ".bootstrapped"
	terminalRelDir  = "drive_c/Program Files (x86)/MetaTrader 4"
	terminalExe     = "terminal.exe"
	expertName      = "copytrade"
)

// Options configures a Provisioner.
type Options struct {
	InstancesRoot  string
	TerminalSetup  string
	PluginPath     string
	InstallTimeout time.Duration
	DisplaySettle  time.Duration
}

// Provisioner prepares per-account runtime roots.
type Provisioner struct {
	opts   Options
	runner proc.Runner
	logger *slog.Logger
	sleep  func(time.Duration)
}

// New creates a Provisioner.
func New(opts Options, runner proc.Runner, logger *slog.Logger) *Provisioner {
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = 10 * time.Minute
	}
	if opts.DisplaySettle <= 0 {
		opts.DisplaySettle = 2 * time.Second
	}
	return &Provisioner{
		opts:   opts,
		runner: runner,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// SetSleep overrides settle delays. Tests only.
func (p *Provisioner) SetSleep(sleep func(time.Duration)) {
	p.sleep = sleep
}

// Root returns the account's isolated runtime root.
func (p *Provisioner) Root(accountID int64) string {
	return filepath.Join(p.opts.InstancesRoot, strconv.FormatInt(accountID, 10))
}

// TerminalDir returns the terminal's install directory inside the root.
func (p *Provisioner) TerminalDir(accountID int64) string {
	return filepath.Join(p.Root(accountID), filepath.FromSlash(terminalRelDir))
}

// TerminalPath returns the terminal executable path inside the root.
func (p *Provisioner) TerminalPath(accountID int64) string {
	return filepath.Join(p.TerminalDir(accountID), terminalExe)
}

// LogDir returns the per-account log directory.
func (p *Provisioner) LogDir(accountID int64) string {
	return filepath.Join(p.Root(accountID), "logs")
}

func (p *Provisioner) env(accountID int64, display int) []string {
	return []string{
		"WINEPREFIX=" + p.Root(accountID),
		fmt.Sprintf("DISPLAY=:%d", display),
	}
}

// EnsureDisplay terminates any stale display server bound to the number,
// starts a fresh one, and waits a settle delay before returning.
func (p *Provisioner) EnsureDisplay(ctx context.Context, accountID int64, display int) error {
	// A previous crash may have left an Xvfb bound to this number.
	pattern := fmt.Sprintf("Xvfb :%d", display)
	if err := p.runner.Run(ctx, nil, "pkill", "-f", pattern); err != nil {
		p.logger.Debug("no stale display server", "display", display)
	}

	logPath := filepath.Join(p.LogDir(accountID), "xvfb.log")
	_, err := p.runner.Start("", nil, logPath,
		"Xvfb", fmt.Sprintf(":%d", display), "-screen", "0", "1024x768x16")
	if err != nil {
		return fmt.Errorf("start display :%d: %w", display, err)
	}

	p.sleep(p.opts.DisplaySettle)
	return nil
}

// EnsureBootstrap performs the one-time runtime-environment bootstrap
// for the account's root. A marker file makes it a no-op on re-runs; the
// marker is written only after the bootstrap succeeded. Optional
// packages degrade gracefully.
func (p *Provisioner) EnsureBootstrap(ctx context.Context, accountID int64, display int) error {
	root := p.Root(accountID)
	marker := filepath.Join(root, bootstrapMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create instance root: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, p.opts.InstallTimeout)
	defer cancel()

	env := p.env(accountID, display)
	if err := p.runner.Run(bootCtx, env, "wineboot", "--init"); err != nil {
		return fmt.Errorf("bootstrap runtime for account %d: %w", accountID, err)
	}

	// Fonts are best-effort: terminals render without them, just badly.
	if err := p.runner.Run(bootCtx, env, "winetricks", "-q", "corefonts"); err != nil {
		p.logger.Warn("optional font install failed", "account", accountID, "error", err)
	}

	if err := fsutil.AtomicWrite(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("write bootstrap marker: %w", err)
	}
	return nil
}

// EnsureTerminal installs the trading terminal into the account's root
// via the unattended installer. Skipped when the executable exists.
func (p *Provisioner) EnsureTerminal(ctx context.Context, accountID int64, display int) error {
	if _, err := os.Stat(p.TerminalPath(accountID)); err == nil {
		return nil
	}

	installCtx, cancel := context.WithTimeout(ctx, p.opts.InstallTimeout)
	defer cancel()

	env := p.env(accountID, display)
	if err := p.runner.Run(installCtx, env, "wine", p.opts.TerminalSetup, "/auto"); err != nil {
		return fmt.Errorf("install terminal for account %d: %w", accountID, err)
	}
	return nil
}

// Credentials is the decrypted login material for one account.
type Credentials struct {
	Login    string
	Password string
	Server   string
}

// WriteLoginConfig writes the terminal's auto-login startup block. Pure
// file writing, idempotent, parents created as needed.
func (p *Provisioner) WriteLoginConfig(accountID int64, creds Credentials) error {
	content := fmt.Sprintf(`; generated - do not edit
[Common]
Login=%s
Password=%s
Server=%s
AutoConfiguration=true
`, creds.Login, creds.Password, creds.Server)

	path := p.StartupConfigPath(accountID)
	if err := fsutil.AtomicWrite(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("write login config: %w", err)
	}
	return nil
}

// StartupConfigPath is the ini file handed to the terminal on launch.
func (p *Provisioner) StartupConfigPath(accountID int64) string {
	return filepath.Join(p.TerminalDir(accountID), "config", "copytrade-start.ini")
}

// PluginConfig parameterizes the trading plugin for one account.
type PluginConfig struct {
	Role        protocol.AccountRole
	ChannelCode string
	MasterKey   string
	LotMode     protocol.LotMode
	LotValue    decimal.Decimal
	PushURL     string
}

// DeployPlugin copies the trading plugin into the terminal, writes its
// parameter-set file translating the account's lot-sizing policy, and
// writes the auto-attach directive binding the plugin to a default
// instrument on startup. Idempotent.
func (p *Provisioner) DeployPlugin(accountID int64, cfg PluginConfig) error {
	termDir := p.TerminalDir(accountID)

	expertPath := filepath.Join(termDir, "MQL4", "Experts", expertName+".ex4")
	deployed, err := checksum.FilesMatch(p.opts.PluginPath, expertPath)
	if err != nil {
		return fmt.Errorf("compare plugin binary: %w", err)
	}
	if !deployed {
		binary, err := os.ReadFile(p.opts.PluginPath)
		if err != nil {
			return fmt.Errorf("read plugin binary: %w", err)
		}
		if err := fsutil.AtomicWrite(expertPath, binary, 0644); err != nil {
			return fmt.Errorf("deploy plugin binary: %w", err)
		}
	}

	preset := fmt.Sprintf(`ServerURL=%s
ChannelCode=%s
MasterKey=%s
Role=%s
SubscriberID=%d
LotMode=%s
LotValue=%s
`, cfg.PushURL, cfg.ChannelCode, cfg.MasterKey, cfg.Role, accountID, cfg.LotMode, cfg.LotValue)
	presetPath := filepath.Join(termDir, "MQL4", "Presets", expertName+".set")
	if err := fsutil.AtomicWrite(presetPath, []byte(preset), 0600); err != nil {
		return fmt.Errorf("write plugin preset: %w", err)
	}

	attach := fmt.Sprintf(`[StartUp]
Expert=%s
ExpertParameters=%s.set
Symbol=EURUSD
Period=M1
`, expertName, expertName)
	attachPath := filepath.Join(termDir, "config", "copytrade-attach.ini")
	if err := fsutil.AtomicWrite(attachPath, []byte(attach), 0644); err != nil {
		return fmt.Errorf("write auto-attach config: %w", err)
	}
	return nil
}
