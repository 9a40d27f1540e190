// Package executil runs a package's setup script and classifies its exit
// code per spec §4.7.1, in the manner of mantle/system/exec's ExecCmd: a
// thin wrapper around os/exec that adds a context-scoped Kill.
package executil

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// Setup exit codes, spec §4.7.1.
const (
	ExitOK                   = 0
	ExitRebootRequired       = 123
	ExitRunAgain             = 250
	ExitOptionsNotSet        = 251
	ExitFileSetError         = 252
	ExitPlatformIncompatible = 253
	ExitVersionIncompatible  = 254
)

// Result is the outcome of a setup script invocation.
type Result struct {
	ExitCode int
	Output   string
}

// RunSetup invokes "<storeDir>/<name>/setup <action> <deferReboot>" and
// captures its combined output and exit code. action is "install" or
// "uninstall"; deferReboot is "1" or "0" per spec §4.7.1.
func RunSetup(ctx context.Context, setupPath, action, deferReboot string) (Result, error) {
	cmd := exec.CommandContext(ctx, setupPath, action, deferReboot)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return Result{ExitCode: 0, Output: out.String()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	}
	// Failed to even start the process (missing file, permission denied):
	// not a script-reported exit code, a genuine execution failure.
	return Result{Output: out.String()}, errors.Wrapf(err, "running %s %s %s", setupPath, action, deferReboot)
}
