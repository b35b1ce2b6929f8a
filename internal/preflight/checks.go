// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// fdsPerBot covers the two pipe read ends the launcher holds per bot
	// plus the HTTP connection waiting on its start.
	fdsPerBot = 4

	// procsPerBot allows for interpreter threads, which count against
	// RLIMIT_NPROC on Linux.
	procsPerBot = 16

	// planningBots sizes the limit checks when --max-bots is unlimited.
	planningBots = 50

	// launcherOverhead covers listeners, logging and the Go runtime.
	launcherOverhead = 100
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes what the launcher is about to run.
type Options struct {
	// MaxBots is the global bot limit (0 = unlimited).
	MaxBots int
	// BotCommand is the worker executable, e.g. "python3".
	BotCommand string
	// BotArgs are the worker's leading arguments, e.g. ["bot.py"].
	BotArgs []string
	// BotDir is the worker's working directory, empty for ours.
	BotDir string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// add appends a check, failing the result unless it passed.
func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	bots := opts.MaxBots
	if bots <= 0 {
		bots = planningBots
	}

	result.add(checkFileDescriptors(bots))
	result.add(checkProcessLimit(bots))
	result.add(checkBotDir(opts.BotDir))
	result.add(checkBotCommand(opts.BotCommand, opts.BotDir))
	if script := scriptArg(opts.BotArgs); script != "" {
		result.add(checkBotScript(script, opts.BotDir))
	}

	if opts.MaxBots <= 0 {
		result.Checks = append(result.Checks, Check{
			Name:    "max_bots",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unlimited; limits sized for %d bots", planningBots),
		})
	}

	return result
}

// rlimitValue converts a limit, mapping RLIM_INFINITY to MaxInt.
func rlimitValue(v uint64) int {
	if v == unix.RLIM_INFINITY || v > math.MaxInt {
		return math.MaxInt
	}
	return int(v)
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(bots int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := bots*fdsPerBot + launcherOverhead
	actual := rlimitValue(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d bots)", actual, required, bots),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(bots int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := bots*procsPerBot + launcherOverhead
	actual := rlimitValue(limit.Cur)

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkBotDir verifies the working directory exists.
func checkBotDir(dir string) Check {
	if dir == "" {
		wd, _ := os.Getwd()
		return Check{
			Name:    "bot_dir",
			Passed:  true,
			Message: fmt.Sprintf("current directory %s", wd),
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return Check{
			Name:    "bot_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", dir, err),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    "bot_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s is not a directory", dir),
		}
	}
	return Check{
		Name:    "bot_dir",
		Passed:  true,
		Message: dir,
	}
}

// checkBotCommand verifies the worker executable resolves. Relative paths
// with a separator are resolved against dir, as exec.Cmd does.
func checkBotCommand(command, dir string) Check {
	if command == "" {
		return Check{
			Name:    "bot_command",
			Passed:  false,
			Message: "no command configured",
		}
	}

	lookup := command
	if strings.ContainsRune(command, filepath.Separator) && !filepath.IsAbs(command) && dir != "" {
		lookup = filepath.Join(dir, command)
	}

	path, err := exec.LookPath(lookup)
	if err != nil {
		return Check{
			Name:    "bot_command",
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", command, err),
		}
	}
	return Check{
		Name:    "bot_command",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// scriptArg returns the first argument when it names a script file.
func scriptArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	switch filepath.Ext(args[0]) {
	case ".py", ".sh", ".js", ".ts":
		return args[0]
	}
	return ""
}

// checkBotScript warns when the bot script is missing. A missing script
// still spawns (the interpreter fails), so this never fails the result.
func checkBotScript(script, dir string) Check {
	path := script
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return Check{
			Name:    "bot_script",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s not found; every start will fail", path),
		}
	}
	return Check{
		Name:    "bot_script",
		Passed:  true,
		Message: path,
	}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "bot_command":
		return "install the interpreter or pass --bot-cmd with a full path"
	case "bot_dir":
		return "pass --bot-dir pointing at the directory holding the bot"
	default:
		return "see documentation"
	}
}
