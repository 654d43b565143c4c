package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/config"
	"github.com/guseggert/procbridge/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitBind   = 1
	exitConfig = 2
)

func main() {
	app := newApp()
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	defaults := config.Default()
	return &cli.App{
		Name:  "procbridge",
		Usage: "waits for connections and, for each one, spawns a new server process and relays bytes in both directions",
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return cli.Exit(err.Error(), exitConfig)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "executable",
				Aliases: []string{"jvm"},
				Usage:   "The executable to spawn for each connection.",
				EnvVars: []string{"BRIDGE_EXECUTABLE", "JAVA_PATH"},
				Value:   defaults.Executable,
			},
			&cli.StringFlag{
				Name:    "artifact",
				Aliases: []string{"jar"},
				Usage:   "The server artifact, substituted for " + config.ArtifactPlaceholder + " in the arguments. Must exist if referenced.",
				EnvVars: []string{"BRIDGE_ARTIFACT", "LSP_JAR_PATH"},
				Value:   defaults.Artifact,
			},
			&cli.StringFlag{
				Name:    "args",
				Usage:   "Shell-style argument template. " + config.ArtifactPlaceholder + " and " + config.PortPlaceholder + " are expanded per spawn. Defaults to the language server JVM flags for the mode.",
				EnvVars: []string{"BRIDGE_ARGS", "LSP_ARGS"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The TCP address to listen on for incoming connections.",
				EnvVars: []string{"BRIDGE_LISTEN_ADDR"},
				Value:   defaults.ListenAddr,
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "The port to listen on, overriding the port of --listen-addr.",
				EnvVars: []string{"LSP_LISTEN_PORT"},
			},
			&cli.StringFlag{
				Name:    "ws-listen-addr",
				Usage:   "The address to serve WebSocket connections on, at /bridge. Disabled if empty.",
				EnvVars: []string{"BRIDGE_WS_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "mode",
				Usage:   "How to reach the spawned server. One of [stdio,tcp].",
				EnvVars: []string{"BRIDGE_MODE"},
				Value:   string(defaults.Mode),
			},
			&cli.StringFlag{
				Name:    "spawn-ports",
				Aliases: []string{"s"},
				Usage:   "The range of ports to choose from in tcp mode. Ports in use are not taken into account.",
				EnvVars: []string{"LSP_SPAWN_PORTS"},
				Value:   defaults.SpawnPorts.String(),
			},
			&cli.StringFlag{
				Name:    "startup-delay",
				Usage:   "How long to give the server to start before the first dial, in tcp mode.",
				EnvVars: []string{"BRIDGE_STARTUP_DELAY"},
				Value:   defaults.StartupDelay.String(),
			},
			&cli.StringFlag{
				Name:    "dial-interval",
				Usage:   "Time between dial attempts, in tcp mode.",
				EnvVars: []string{"BRIDGE_DIAL_INTERVAL"},
				Value:   defaults.DialInterval.String(),
			},
			&cli.StringFlag{
				Name:    "shutdown-grace",
				Usage:   "How long the server may keep running after the client closed its side.",
				EnvVars: []string{"BRIDGE_SHUTDOWN_GRACE"},
				Value:   defaults.ShutdownGrace.String(),
			},
			&cli.StringFlag{
				Name:    "workdir",
				Usage:   "The working directory of spawned servers.",
				EnvVars: []string{"BRIDGE_WORKDIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
		},
	}
}

func run(ctx *cli.Context) error {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid log level: %s", err), exitConfig)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithLogLevel(level))
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return cli.Exit(err.Error(), exitConfig)
	}
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Run(sigCtx)
	var bindErr *server.BindError
	if errors.As(err, &bindErr) {
		return cli.Exit(err.Error(), exitBind)
	}
	return err
}

func buildConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Config{
		Executable:   ctx.String("executable"),
		Artifact:     ctx.String("artifact"),
		ListenAddr:   ctx.String("listen-addr"),
		WSListenAddr: ctx.String("ws-listen-addr"),
		Dir:          ctx.String("workdir"),
	}

	var err error
	for _, d := range []struct {
		flag  string
		field string
		dst   *time.Duration
	}{
		{flag: "startup-delay", field: "startup delay", dst: &cfg.StartupDelay},
		{flag: "dial-interval", field: "dial interval", dst: &cfg.DialInterval},
		{flag: "shutdown-grace", field: "shutdown grace", dst: &cfg.ShutdownGrace},
	} {
		*d.dst, err = time.ParseDuration(ctx.String(d.flag))
		if err != nil {
			return config.Config{}, &config.ConfigError{Field: d.field, Err: err}
		}
	}

	mode, err := config.ParseMode(ctx.String("mode"))
	if err != nil {
		return config.Config{}, &config.ConfigError{Field: "mode", Err: err}
	}
	cfg.Mode = mode

	ports, err := config.ParsePortRange(ctx.String("spawn-ports"))
	if err != nil {
		return config.Config{}, &config.ConfigError{Field: "spawn ports", Err: err}
	}
	cfg.SpawnPorts = ports

	args, err := config.ParseArgs(ctx.String("args"))
	if err != nil {
		return config.Config{}, &config.ConfigError{Field: "args", Err: err}
	}
	if args == nil {
		args = config.DefaultArgs(mode)
	}
	cfg.Args = args

	if ctx.IsSet("port") {
		cfg.ListenAddr, err = withPort(cfg.ListenAddr, ctx.String("port"))
		if err != nil {
			return config.Config{}, &config.ConfigError{Field: "port", Err: err}
		}
	}

	return cfg, nil
}

func withPort(addr string, port string) (string, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("parsing port %q: %w", port, err)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing listen address %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.FormatUint(p, 10)), nil
}
