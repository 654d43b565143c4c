package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrExitedBeforeReady is returned in tcp mode when the child exits before accepting a connection.
var ErrExitedBeforeReady = errors.New("process exited before accepting a connection")

// SpawnError means the server process for a connection could not be started.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %s", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Direction identifies one of the two copy loops.
type Direction string

const (
	ToChild  Direction = "client->child"
	ToClient Direction = "child->client"
)

// StreamError is a read or write failure in the middle of a session.
type StreamError struct {
	Direction Direction
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("relaying %s: %s", e.Direction, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// isClosed reports whether err only means that one side of the relay went away.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE)
}

func ignoreClosed(err error) error {
	if err == nil || isClosed(err) {
		return nil
	}
	return err
}
