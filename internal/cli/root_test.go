package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "agent", "init", "version"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, version)
}

func TestInitWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copytrade.json")

	out, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, path)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Server)
	require.NotNil(t, cfg.Agent)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm(), "config holds secrets")
}

func TestInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copytrade.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	_, err := execute(t, "init", "--config", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "refusing to overwrite")
}

func TestServeFailsWithoutConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestAgentFailsWithoutAgentSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copytrade.json")
	cfg := config.GenerateDefault()
	cfg.Agent = nil
	cfg.Server.SharedSecret = "s3cret"
	cfg.Server.CipherKey = "000102030405060708090a0b0c0d0e0f"
	require.NoError(t, cfg.SaveToFile(path))

	_, err := execute(t, "agent", "--config", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "agent section")
}
