package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/procbridge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

var envVars = []string{
	"BRIDGE_EXECUTABLE", "JAVA_PATH",
	"BRIDGE_ARTIFACT", "LSP_JAR_PATH",
	"BRIDGE_ARGS", "LSP_ARGS",
	"BRIDGE_LISTEN_ADDR",
	"LSP_LISTEN_PORT",
	"BRIDGE_WS_LISTEN_ADDR",
	"BRIDGE_MODE",
	"LSP_SPAWN_PORTS",
	"BRIDGE_STARTUP_DELAY",
	"BRIDGE_DIAL_INTERVAL",
	"BRIDGE_SHUTDOWN_GRACE",
	"BRIDGE_WORKDIR",
	"LOG_LEVEL",
}

// clearEnv unsets every variable the app reads, restoring them when the test ends.
func clearEnv(t *testing.T) {
	for _, name := range envVars {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func parse(t *testing.T, args ...string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	app := newApp()
	app.Action = func(c *cli.Context) error {
		cfg, err = buildConfig(c)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"procbridge"}, args...)))
	return cfg, err
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestTCPModeDefaultArgs(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t, "--mode", "tcp")
	require.NoError(t, err)
	assert.Equal(t, config.ModeTCP, cfg.Mode)
	assert.Equal(t, config.DefaultArgs(config.ModeTCP), cfg.Args)
}

func TestEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("JAVA_PATH", "/opt/java/bin/java")
	t.Setenv("LSP_JAR_PATH", "/srv/ls.jar")
	t.Setenv("LSP_ARGS", `-jar "{artifact}" --verbose`)
	t.Setenv("LSP_LISTEN_PORT", "6000")
	t.Setenv("LSP_SPAWN_PORTS", "7000-7010")
	t.Setenv("BRIDGE_MODE", "TCP")
	t.Setenv("BRIDGE_SHUTDOWN_GRACE", "500ms")
	t.Setenv("BRIDGE_WORKDIR", "/srv")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "/opt/java/bin/java", cfg.Executable)
	assert.Equal(t, "/srv/ls.jar", cfg.Artifact)
	assert.Equal(t, []string{"-jar", "{artifact}", "--verbose"}, cfg.Args)
	assert.Equal(t, ":6000", cfg.ListenAddr)
	assert.Equal(t, config.PortRange{Start: 7000, End: 7010}, cfg.SpawnPorts)
	assert.Equal(t, config.ModeTCP, cfg.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.ShutdownGrace)
	assert.Equal(t, "/srv", cfg.Dir)
}

func TestEnvPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRIDGE_EXECUTABLE", "/usr/bin/server")
	t.Setenv("JAVA_PATH", "/opt/java/bin/java")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/server", cfg.Executable)

	cfg, err = parse(t, "--jvm", "/usr/local/bin/java")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/java", cfg.Executable)
}

func TestPortOverridesListenAddr(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t, "--listen-addr", "127.0.0.1:1", "-p", "9000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)

	cfg, err = parse(t, "--listen-addr", "[::1]:5007")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:5007", cfg.ListenAddr)
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		expField string
	}{
		{name: "mode", args: []string{"--mode", "udp"}, expField: "mode"},
		{name: "spawn ports separator", args: []string{"-s", "5008"}, expField: "spawn ports"},
		{name: "spawn ports order", args: []string{"-s", "6000-5000"}, expField: "spawn ports"},
		{name: "unterminated quote", args: []string{"--args", `-jar "unterminated`}, expField: "args"},
		{name: "port out of range", args: []string{"-p", "70000"}, expField: "port"},
		{name: "listen addr without port", args: []string{"--listen-addr", "localhost", "-p", "80"}, expField: "port"},
		{name: "port not a number", args: []string{"-p", "http"}, expField: "port"},
		{name: "startup delay", args: []string{"--startup-delay", "3"}, expField: "startup delay"},
		{name: "dial interval", args: []string{"--dial-interval", "often"}, expField: "dial interval"},
		{name: "shutdown grace", args: []string{"--shutdown-grace", "soon"}, expField: "shutdown grace"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			clearEnv(t)
			_, err := parse(t, c.args...)
			var cfgErr *config.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, c.expField, cfgErr.Field)
		})
	}
}

func TestDurationFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRIDGE_SHUTDOWN_GRACE", "soon")
	_, err := parse(t)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "shutdown grace", cfgErr.Field)
}

// runApp runs the real action and returns its error instead of exiting.
func runApp(ctx context.Context, args ...string) error {
	var runErr error
	app := newApp()
	app.Action = func(c *cli.Context) error {
		runErr = run(c)
		return nil
	}
	app.ExitErrHandler = func(*cli.Context, error) {}
	if err := app.RunContext(ctx, append([]string{"procbridge"}, args...)); err != nil {
		return err
	}
	return runErr
}

func serveArgs(listenAddr string, extra ...string) []string {
	return append([]string{"--executable", "sh", "--args=-c cat", "--listen-addr", listenAddr}, extra...)
}

func TestExitCodes(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { taken.Close() })

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name    string
		ctx     context.Context
		args    []string
		expCode int
	}{
		{name: "bad duration", args: serveArgs("127.0.0.1:0", "--shutdown-grace", "soon"), expCode: exitConfig},
		{name: "bad mode", args: serveArgs("127.0.0.1:0", "--mode", "udp"), expCode: exitConfig},
		{name: "bad log level", args: serveArgs("127.0.0.1:0", "--log-level", "loud"), expCode: exitConfig},
		{name: "missing artifact", args: []string{"--executable", "sh", "--artifact", "/nonexistent/server.jar", "--listen-addr", "127.0.0.1:0"}, expCode: exitConfig},
		{name: "unknown flag", args: []string{"--no-such-flag"}, expCode: exitConfig},
		{name: "flag without value", args: []string{"--mode"}, expCode: exitConfig},
		{name: "address in use", args: serveArgs(taken.Addr().String()), expCode: exitBind},
		{name: "shutdown", ctx: canceled, args: serveArgs("127.0.0.1:0")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			clearEnv(t)
			ctx := c.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			err := runApp(ctx, c.args...)
			if c.expCode == 0 {
				require.NoError(t, err)
				return
			}
			var exitErr cli.ExitCoder
			require.True(t, errors.As(err, &exitErr), "expected an exit code, got %v", err)
			assert.Equal(t, c.expCode, exitErr.ExitCode())
		})
	}
}

func TestSignalShutdown(t *testing.T) {
	clearEnv(t)
	// an interrupt sent before run subscribes lands here instead of killing the test binary
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	errCh := make(chan error, 1)
	go func() { errCh <- runApp(context.Background(), serveArgs("127.0.0.1:0")...) }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case err := <-errCh:
			require.NoError(t, err)
			return
		case <-ticker.C:
			require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
		case <-timeout:
			t.Fatal("run did not return after SIGINT")
		}
	}
}
