package executil

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, exitCode int, echoArgs bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setup")
	body := "#!/bin/sh\n"
	if echoArgs {
		body += "echo \"args: $1 $2\"\n"
	}
	body += "exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestRunSetupSuccess(t *testing.T) {
	path := writeScript(t, ExitOK, false)
	res, err := RunSetup(context.Background(), path, "install", "0")
	require.NoError(t, err)
	assert.Equal(t, ExitOK, res.ExitCode)
}

func TestRunSetupRebootRequired(t *testing.T) {
	path := writeScript(t, ExitRebootRequired, false)
	res, err := RunSetup(context.Background(), path, "install", "1")
	require.NoError(t, err)
	assert.Equal(t, ExitRebootRequired, res.ExitCode)
}

func TestRunSetupCapturesCombinedOutput(t *testing.T) {
	path := writeScript(t, ExitOK, true)
	res, err := RunSetup(context.Background(), path, "install", "0")
	require.NoError(t, err)
	assert.Contains(t, res.Output, "args: install 0")
}

func TestRunSetupPassesActionAndDeferReboot(t *testing.T) {
	path := writeScript(t, ExitOK, true)
	res, err := RunSetup(context.Background(), path, "uninstall", "1")
	require.NoError(t, err)
	assert.Contains(t, res.Output, "args: uninstall 1")
}

func TestRunSetupMissingScriptIsExecutionFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := RunSetup(context.Background(), missing, "install", "0")
	assert.Error(t, err, "a setup script that can't even be started must be reported as a genuine execution failure, not an exit code")
}

func TestRunSetupEveryDocumentedExitCode(t *testing.T) {
	codes := []int{ExitOK, ExitRebootRequired, ExitRunAgain, ExitOptionsNotSet, ExitFileSetError, ExitPlatformIncompatible, ExitVersionIncompatible, 1}
	for _, code := range codes {
		path := writeScript(t, code, false)
		res, err := RunSetup(context.Background(), path, "install", "0")
		require.NoError(t, err)
		assert.Equal(t, code, res.ExitCode)
	}
}
