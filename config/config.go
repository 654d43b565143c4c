package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Mode selects how a spawned server is reached.
type Mode string

const (
	// ModeStdio relays over the child's stdin and stdout.
	ModeStdio Mode = "stdio"
	// ModeTCP passes a port to the child and relays over a TCP connection to it.
	ModeTCP Mode = "tcp"
)

const (
	ArtifactPlaceholder = "{artifact}"
	PortPlaceholder     = "{port}"
)

var (
	ErrMissingSeparator = errors.New("the start port should be separated from the end port of the port range by a '-'")
	ErrStartAfterEnd    = errors.New("the end of the port range should not be smaller than the start")
	ErrUnknownMode      = errors.New("unknown mode")
)

// ConfigError is returned for any invalid configuration value.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is read once at startup and never mutated afterwards.
// Pass it by value.
type Config struct {
	Executable string
	Artifact   string
	// Args is a template, see Expand.
	Args []string

	ListenAddr   string
	WSListenAddr string

	Mode          Mode
	SpawnPorts    PortRange
	StartupDelay  time.Duration
	DialInterval  time.Duration
	ShutdownGrace time.Duration

	Dir string
}

// jvmArgs are the flags the language server has always been started with.
var jvmArgs = []string{
	"-Dfile.encoding=UTF-8",
	"-Djava.awt.headless=true",
	"-Dlog4j.configuration=file:server/log4j.properties",
	"-XX:+IgnoreUnrecognizedVMOptions",
	"-XX:+ShowCodeDetailsInExceptionMessages",
	"-jar",
	ArtifactPlaceholder,
}

// DefaultArgs returns the argument template used when none is configured.
func DefaultArgs(mode Mode) []string {
	var args []string
	if mode == ModeTCP {
		args = append(args, "-Dport="+PortPlaceholder)
	}
	return append(args, jvmArgs...)
}

// DefaultArtifact is the language server jar for the current OS.
func DefaultArtifact() string {
	switch runtime.GOOS {
	case "windows":
		return "./server/kieler-language-server.win.jar"
	case "darwin":
		return "./server/kieler-language-server.osx.jar"
	case "linux":
		return "./server/kieler-language-server.linux.jar"
	default:
		return "./server/kieler-language-server.unknown.jar"
	}
}

func Default() Config {
	return Config{
		Executable:    "java",
		Artifact:      DefaultArtifact(),
		Args:          DefaultArgs(ModeStdio),
		ListenAddr:    ":5007",
		Mode:          ModeStdio,
		SpawnPorts:    PortRange{Start: 5008, End: 65535},
		StartupDelay:  3 * time.Second,
		DialInterval:  1 * time.Second,
		ShutdownGrace: 2 * time.Second,
	}
}

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStdio, ModeTCP:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q, expected one of [%s,%s]", ErrUnknownMode, s, ModeStdio, ModeTCP)
	}
}

// ParseArgs splits a shell-style argument string. An empty string yields nil.
func ParseArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return shlex.Split(s)
}

// Expand returns the argument list for one spawn, with placeholders replaced.
// The template itself is not modified.
func (c Config) Expand(port int) []string {
	r := strings.NewReplacer(
		ArtifactPlaceholder, c.Artifact,
		PortPlaceholder, strconv.Itoa(port),
	)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	return args
}

func (c Config) usesArtifact() bool {
	for _, a := range c.Args {
		if strings.Contains(a, ArtifactPlaceholder) {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	c.Args = append([]string(nil), c.Args...)
	return c
}

// Validate checks every field. The executable itself is not resolved here: a missing
// executable is a per-connection spawn failure, not a startup failure.
func (c Config) Validate() error {
	if c.Executable == "" {
		return &ConfigError{Field: "executable", Err: errors.New("must not be empty")}
	}
	if c.ListenAddr == "" {
		return &ConfigError{Field: "listen address", Err: errors.New("must not be empty")}
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return &ConfigError{Field: "mode", Err: err}
	}
	if c.SpawnPorts.Start > c.SpawnPorts.End {
		return &ConfigError{Field: "spawn ports", Err: ErrStartAfterEnd}
	}
	if c.Mode == ModeTCP && c.SpawnPorts.Start == 0 {
		return &ConfigError{Field: "spawn ports", Err: errors.New("port 0 cannot be dialed")}
	}
	for name, d := range map[string]time.Duration{
		"startup delay":  c.StartupDelay,
		"dial interval":  c.DialInterval,
		"shutdown grace": c.ShutdownGrace,
	} {
		if d < 0 {
			return &ConfigError{Field: name, Err: fmt.Errorf("negative duration %s", d)}
		}
	}
	if c.Mode == ModeTCP && c.DialInterval == 0 {
		return &ConfigError{Field: "dial interval", Err: errors.New("must be positive in tcp mode")}
	}
	if c.usesArtifact() {
		fi, err := os.Stat(c.Artifact)
		if err != nil {
			return &ConfigError{Field: "artifact", Err: fmt.Errorf("can't find server artifact at %s: %w", c.Artifact, err)}
		}
		if !fi.Mode().IsRegular() {
			return &ConfigError{Field: "artifact", Err: fmt.Errorf("server artifact at %s is not a regular file", c.Artifact)}
		}
	}
	return nil
}
