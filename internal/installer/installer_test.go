package installer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelm writes an executable shell script standing in for the real
// helm binary, returning a fixed status payload so Status() can be
// exercised without a live Helm install.
func fakeHelm(t *testing.T, script string) *Installer {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "helm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return &Installer{binary: path, log: logr.Discard()}
}

func TestStatus_NotInstalledOnNonZeroExit(t *testing.T) {
	i := fakeHelm(t, "exit 1\n")
	status, err := i.Status(context.Background(), "store-acme", "store-acme")
	require.NoError(t, err)
	assert.Equal(t, StatusNotInstalled, status)
}

func TestStatus_ParsesDeployed(t *testing.T) {
	i := fakeHelm(t, `echo '{"info":{"status":"deployed"}}'`)
	status, err := i.Status(context.Background(), "store-acme", "store-acme")
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, status)
}

func TestStatus_ParsesPendingInstall(t *testing.T) {
	i := fakeHelm(t, `echo '{"info":{"status":"pending-install"}}'`)
	status, err := i.Status(context.Background(), "store-acme", "store-acme")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingInstall, status)
}

func TestUninstall_NotFoundIsSuccess(t *testing.T) {
	i := fakeHelm(t, `echo "Error: uninstall: Release not found" 1>&2; exit 1`)
	err := i.Uninstall(context.Background(), "store-acme", "store-acme")
	assert.NoError(t, err)
}

func TestUninstall_OtherFailureSurfaces(t *testing.T) {
	i := fakeHelm(t, `echo "boom" 1>&2; exit 1`)
	err := i.Uninstall(context.Background(), "store-acme", "store-acme")
	assert.Error(t, err)
}

// fakeHelmLog writes an executable shell script standing in for helm
// that appends each invocation's subcommand (its first argument) to a
// log file, so a test can assert the order commands were issued in.
func fakeHelmLog(t *testing.T, statusBody string) (*Installer, func() []string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	path := filepath.Join(dir, "helm")
	script := `#!/bin/sh
echo "$1" >> ` + logPath + `
case "$1" in
  status)
    ` + statusBody + `
    ;;
  *)
    exit 0
    ;;
esac
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	i := &Installer{binary: path, log: logr.Discard()}
	calls := func() []string {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return nil
		}
		var out []string
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line != "" {
				out = append(out, line)
			}
		}
		return out
	}
	return i, calls
}

func TestInstall_StuckRelease_CleansUpThenInstalls(t *testing.T) {
	i, calls := fakeHelmLog(t, `echo '{"info":{"status":"pending-install"}}'`)
	err := i.Install(context.Background(), "store-acme", "store-acme", "./chart", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "uninstall", "install"}, calls())
}

func TestInstall_DeployedRelease_Upgrades(t *testing.T) {
	i, calls := fakeHelmLog(t, `echo '{"info":{"status":"deployed"}}'`)
	err := i.Install(context.Background(), "store-acme", "store-acme", "./chart", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "upgrade"}, calls())
}

func TestInstall_NotInstalled_InstallsFresh(t *testing.T) {
	i, calls := fakeHelmLog(t, `exit 1`)
	err := i.Install(context.Background(), "store-acme", "store-acme", "./chart", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"status", "install"}, calls())
}

func TestTruncate_BoundsLength(t *testing.T) {
	long := make([]byte, outputTruncateLen+500)
	for i := range long {
		long[i] = 'x'
	}
	out := truncate(string(long))
	assert.LessOrEqual(t, len(out), outputTruncateLen+len("...(truncated)"))
}
