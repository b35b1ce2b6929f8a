// Package process describes how bot worker processes are launched.
package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Runner produces launch specifications for bot workers.
// This interface keeps the HTTP layer independent of the bot command line.
type Runner interface {
	// LaunchSpec returns the launch specification for a bot joining room.
	// An empty room lets the bot create its own.
	LaunchSpec(room string) LaunchSpec
}

// LaunchSpec is everything needed to start one worker.
// The supervisor passes it through without interpreting the arguments.
type LaunchSpec struct {
	// Path is the executable, resolved through PATH when it has no separator.
	Path string

	// Args are the arguments after the executable name.
	Args []string

	// Dir is the working directory. Empty means the launcher's own.
	Dir string

	// Env holds KEY=VALUE entries appended to the launcher's environment.
	Env []string
}

// ErrEmptyPath is returned by Validate for a spec without an executable.
var ErrEmptyPath = errors.New("launch spec has no executable")

// Validate checks the spec can be turned into a command.
func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return ErrEmptyPath
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return errors.New("launch spec env entry " + kv + " is not KEY=VALUE")
		}
	}
	return nil
}

// Command builds an unstarted command. Process group, pipes and lifetime
// are the caller's business.
func (s LaunchSpec) Command() *exec.Cmd {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd
}

// String returns the command line with shell quoting, for --print-cmd and logs.
func (s LaunchSpec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, shellQuote(s.Path))
	for _, a := range s.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes s when it contains anything outside a safe set.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@%+,", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
