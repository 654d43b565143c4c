package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procbridge/config"
	"github.com/guseggert/procbridge/internal/logs"
	inet "github.com/guseggert/procbridge/internal/net"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// drainDelay bounds how long a session outlives its process when the process's output
// stays open after it exited, e.g. because a grandchild inherited it.
const drainDelay = 2 * time.Second

// Bridge spawns one server process per connection. It holds no per-connection state,
// so a single Bridge can serve any number of connections concurrently.
type Bridge struct {
	log *zap.SugaredLogger
	cfg config.Config
}

type Option func(b *Bridge)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

func New(cfg config.Config, opts ...Option) *Bridge {
	b := &Bridge{
		log: zap.NewNop().Sugar(),
		cfg: cfg.Clone(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Serve spawns a server for conn and relays between them until either side is done.
// conn is always closed when Serve returns, and the child has been killed and waited for.
//
// A *SpawnError is returned if the child could not be started, and a *StreamError if the
// relay failed mid-session. A session that ends because either side closed returns nil.
func (b *Bridge) Serve(ctx context.Context, conn net.Conn) error {
	log := b.log.With("Conn", uuid.NewString(), "Remote", remoteAddr(conn))
	defer func() {
		if err := ignoreClosed(conn.Close()); err != nil {
			log.Debugf("error closing client conn: %s", err)
		}
	}()

	be, proc, err := b.spawn(ctx, log)
	if err != nil {
		return err
	}
	log = log.With("PID", proc.pid())
	log.Info("process started")

	defer func() {
		err := multierr.Combine(proc.terminate(), be.Close())
		if err != nil {
			log.Debugf("error cleaning up: %s", err)
		}
		log.Info("finished handling connection")
	}()

	return b.relay(ctx, log, conn, be, proc)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func (b *Bridge) command(port int) *exec.Cmd {
	cmd := exec.Command(b.cfg.Executable, b.cfg.Expand(port)...)
	cmd.Dir = b.cfg.Dir
	return cmd
}

func (b *Bridge) spawn(ctx context.Context, log *zap.SugaredLogger) (backend, *child, error) {
	if b.cfg.Mode == config.ModeTCP {
		return b.spawnTCP(ctx, log)
	}
	return b.spawnStdio(log)
}

func (b *Bridge) spawnStdio(log *zap.SugaredLogger) (backend, *child, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, &SpawnError{Executable: b.cfg.Executable, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, nil, &SpawnError{Executable: b.cfg.Executable, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}

	stderrW, stderr, err := pipeToLog(logs.NewWriter(log.Named("stderr"), "process stderr"))
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, &SpawnError{Executable: b.cfg.Executable, Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}

	cmd := b.command(0)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Infow("spawning process", "Command", cmd.String())
	proc, err := startChild(log, b.cfg.Executable, cmd, stderr)

	// the child holds its own copies of these now
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, nil, err
	}
	return &pipeBackend{stdin: stdinW, stdout: stdoutR}, proc, nil
}

func (b *Bridge) spawnTCP(ctx context.Context, log *zap.SugaredLogger) (backend, *child, error) {
	port := b.cfg.SpawnPorts.Random()
	log = log.With("Port", port)

	stdoutW, stdout, err := pipeToLog(logs.NewWriter(log.Named("stdout"), "process stdout"))
	if err != nil {
		return nil, nil, &SpawnError{Executable: b.cfg.Executable, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	stderrW, stderr, err := pipeToLog(logs.NewWriter(log.Named("stderr"), "process stderr"))
	if err != nil {
		stdoutW.Close()
		stdout.Close()
		return nil, nil, &SpawnError{Executable: b.cfg.Executable, Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}

	cmd := b.command(port)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Infow("spawning process", "Command", cmd.String())
	proc, err := startChild(log, b.cfg.Executable, cmd, stdout, stderr)
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		return nil, nil, err
	}

	conn, err := b.dialChild(ctx, log, proc, port)
	if err != nil {
		if termErr := proc.terminate(); termErr != nil {
			log.Debugf("error terminating process: %s", termErr)
		}
		return nil, nil, err
	}
	return conn, proc, nil
}

// dialChild waits for the child to accept a connection on port. It gives up once the child exits.
func (b *Bridge) dialChild(ctx context.Context, log *zap.SugaredLogger, proc *child, port int) (*net.TCPConn, error) {
	log.Debugf("giving the process %s to start up", b.cfg.StartupDelay)
	timer := time.NewTimer(b.cfg.StartupDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, &SpawnError{Executable: b.cfg.Executable, Err: ctx.Err()}
		case <-proc.Exited():
			return nil, &SpawnError{Executable: b.cfg.Executable, Err: ErrExitedBeforeReady}
		case <-timer.C:
		}

		conn, err := inet.DialLoopback(ctx, port)
		if err == nil {
			log.Infow("connected to process", "Addr", conn.RemoteAddr().String())
			return conn, nil
		}
		log.Debugf("process not accepting connections yet, retrying in %s: %s", b.cfg.DialInterval, err)
		timer.Reset(b.cfg.DialInterval)
	}
}

type copyResult struct {
	dir Direction
	err error
}

func (b *Bridge) relay(ctx context.Context, log *zap.SugaredLogger, conn net.Conn, be backend, proc *child) error {
	results := make(chan copyResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(be, conn)
		log.Debugw("client->child copy done", "Bytes", n, "Error", err)
		results <- copyResult{dir: ToChild, err: err}
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(conn, be)
		log.Debugw("child->client copy done", "Bytes", n, "Error", err)
		results <- copyResult{dir: ToClient, err: err}
	}()

	// unblock both loops before waiting for them
	defer func() {
		_ = proc.terminate()
		_ = be.Close()
		_ = conn.Close()
		wg.Wait()
	}()

	var grace, drain <-chan time.Time
	exited := proc.Exited()
	for {
		select {
		case res := <-results:
			if res.err != nil && !isClosed(res.err) {
				return &StreamError{Direction: res.dir, Err: res.err}
			}
			if res.dir == ToClient {
				log.Debug("process closed its output")
				return nil
			}
			if res.err != nil {
				log.Debug("process closed its input")
			} else {
				log.Debug("client closed its side, closing process input")
			}
			if err := be.CloseWrite(); err != nil {
				log.Debugf("error closing process input: %s", err)
			}
			if b.cfg.ShutdownGrace == 0 {
				return nil
			}
			t := time.NewTimer(b.cfg.ShutdownGrace)
			defer t.Stop()
			grace = t.C
		case <-grace:
			log.Debugf("process still running %s after its input closed, terminating", b.cfg.ShutdownGrace)
			return nil
		case <-exited:
			// the output loop normally ends on EOF right after this
			exited = nil
			t := time.NewTimer(drainDelay)
			defer t.Stop()
			drain = t.C
		case <-drain:
			log.Debug("process exited but its output is still open, closing")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
