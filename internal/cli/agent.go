package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/agent"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/display"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/eventlog"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/instance"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/proc"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/provision"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the VPS agent polling loop",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Agent == nil {
		return fmt.Errorf("config has no agent section; run 'copytraded init' and fill it in")
	}
	ac := cfg.Agent

	logDir := ac.EventLogDir
	if logDir == "" {
		logDir = filepath.Join(ac.InstancesRoot, "events")
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("events-%s.ndjson", time.Now().Format("20060102-150405")))
	events, err := eventlog.New(logPath)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer events.Close()
	logger.Info("lifecycle event log", "path", logPath)

	runner := proc.ExecRunner{}
	prov := provision.New(provision.Options{
		InstancesRoot:  ac.InstancesRoot,
		TerminalSetup:  ac.TerminalSetup,
		PluginPath:     ac.PluginPath,
		InstallTimeout: ac.InstallTimeout(),
		DisplaySettle:  ac.SettleDelay(),
	}, runner, logger)

	base, count := ac.Displays()
	manager := instance.New(prov, display.NewAllocator(base, count), runner, events, instance.Options{
		SettleDelay: ac.SettleDelay(),
		StopGrace:   ac.StopGrace(),
	}, logger)

	client := agent.NewClient(ac.CoordinatorURL, ac.SharedSecret)
	loop := agent.NewLoop(client, manager, ac.PollInterval(), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return loop.Run(ctx)
}
