package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/procbridge/internal/logs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// backend is the child's side of a relay.
type backend interface {
	io.ReadWriteCloser
	// CloseWrite signals EOF to the child without closing its output.
	CloseWrite() error
}

// pipeBackend talks to the child over its stdin and stdout.
// The pipes are created with os.Pipe rather than cmd.StdinPipe/StdoutPipe
// so that exec.Cmd.Wait never closes stdout before it has been read to completion.
type pipeBackend struct {
	stdin  *os.File
	stdout *os.File
}

func (p *pipeBackend) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeBackend) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *pipeBackend) CloseWrite() error           { return ignoreClosed(p.stdin.Close()) }

func (p *pipeBackend) Close() error {
	return multierr.Combine(
		p.CloseWrite(),
		ignoreClosed(p.stdout.Close()),
	)
}

// logFlushDelay is how long teardown waits for a log pipe to reach EOF before closing it.
const logFlushDelay = 100 * time.Millisecond

// logPipe forwards one output stream of the child into the log.
// The child gets the write end as an *os.File, so exec.Cmd.Wait never waits on it.
type logPipe struct {
	r    *os.File
	done chan struct{}
}

// pipeToLog returns the write end to hand to the child. The caller closes it once the child is started.
func pipeToLog(w *logs.Writer) (*os.File, *logPipe, error) {
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	p := &logPipe{r: r, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_, _ = io.Copy(w, r)
		_ = w.Close()
	}()
	return wr, p, nil
}

// Close gives buffered output a moment to be logged, then stops forwarding.
// A grandchild holding the pipe open does not keep Close from returning.
func (p *logPipe) Close() error {
	select {
	case <-p.done:
	case <-time.After(logFlushDelay):
	}
	err := ignoreClosed(p.r.Close())
	<-p.done
	return err
}

// child owns a started process and its exit status.
type child struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	// logs are closed once the process has been terminated.
	logs []*logPipe

	exited  chan struct{}
	waitErr error

	terminateOnce sync.Once
	terminateErr  error
}

// startChild starts cmd. On failure the log pipes are closed.
func startChild(log *zap.SugaredLogger, executable string, cmd *exec.Cmd, logPipes ...*logPipe) (*child, error) {
	if err := cmd.Start(); err != nil {
		for _, p := range logPipes {
			_ = p.Close()
		}
		return nil, &SpawnError{Executable: executable, Err: err}
	}
	c := &child{
		log:    log,
		cmd:    cmd,
		logs:   logPipes,
		exited: make(chan struct{}),
	}
	go c.wait()
	return c, nil
}

func (c *child) pid() int { return c.cmd.Process.Pid }

func (c *child) wait() {
	err := c.cmd.Wait()
	c.waitErr = err
	c.log.Debugw("process exited", "ExitCode", c.cmd.ProcessState.ExitCode(), "Error", err)
	close(c.exited)
}

// Exited is closed once the process has exited and been waited for.
func (c *child) Exited() <-chan struct{} { return c.exited }

// terminate kills the process if it is still running, waits for it and stops forwarding its logs.
// It is safe to call more than once.
// If the kill fails for any reason other than the process being gone, the process is not waited for.
func (c *child) terminate() error {
	c.terminateOnce.Do(func() {
		c.terminateErr = c.kill()
		for _, p := range c.logs {
			c.terminateErr = multierr.Append(c.terminateErr, p.Close())
		}
	})
	return c.terminateErr
}

func (c *child) kill() error {
	select {
	case <-c.exited:
		return nil
	default:
	}
	c.log.Debug("killing process")
	err := c.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Warnf("failed to kill process, will not wait for it: %s", err)
		return fmt.Errorf("killing process %d: %w", c.pid(), err)
	}
	<-c.exited
	return nil
}
