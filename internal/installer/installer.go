// Package installer wraps the Helm CLI as a subprocess, mirroring the
// teacher operator's pattern of shelling out to a CLI binary (oc adm
// inspect, tar) rather than linking its library. The Reconciler never
// waits on pod readiness here — that is the readiness gates' job.
package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/yaml"

	operrors "github.com/urumi-ai/store-operator/internal/errors"
)

// outputTruncateLen bounds how much subprocess output gets logged, so a
// runaway chart render can't flood the log store.
const outputTruncateLen = 4000

// ReleaseStatus mirrors the subset of `helm status -o json` states the
// install() composite policy branches on.
type ReleaseStatus string

const (
	StatusNotInstalled    ReleaseStatus = "not-installed"
	StatusDeployed        ReleaseStatus = "deployed"
	StatusPendingInstall  ReleaseStatus = "pending-install"
	StatusPendingUpgrade  ReleaseStatus = "pending-upgrade"
	StatusPendingRollback ReleaseStatus = "pending-rollback"
	StatusFailed          ReleaseStatus = "failed"
	StatusUnknown         ReleaseStatus = "unknown"
)

// stuckStatuses are the states cleanupStuck() is invoked for before a
// fresh install is attempted.
var stuckStatuses = map[ReleaseStatus]bool{
	StatusPendingInstall:  true,
	StatusPendingUpgrade:  true,
	StatusPendingRollback: true,
	StatusFailed:          true,
}

// Installer shells out to the helm binary found on PATH.
type Installer struct {
	binary string
	log    logr.Logger
}

// New locates the helm binary once at construction time, the same way
// the teacher's dump command resolves `oc` via exec.LookPath before
// building any commands.
func New(log logr.Logger) (*Installer, error) {
	bin, err := exec.LookPath("helm")
	if err != nil {
		return nil, fmt.Errorf("cannot find helm binary: %w", err)
	}
	return &Installer{binary: bin, log: log}, nil
}

type statusOutput struct {
	Info struct {
		Status string `json:"status"`
	} `json:"info"`
}

// Status queries the current release status. A non-zero helm exit is
// treated as "not-installed" rather than surfaced as an error, matching
// helm's own convention for an absent release.
func (i *Installer) Status(ctx context.Context, release, ns string) (ReleaseStatus, error) {
	out, _, err := i.run(ctx, "status", release, "-n", ns, "-o", "json")
	if err != nil {
		return StatusNotInstalled, nil
	}

	var parsed statusOutput
	if jsonErr := json.Unmarshal(out, &parsed); jsonErr != nil {
		return StatusUnknown, operrors.Infra("parse helm status", jsonErr)
	}

	switch ReleaseStatus(parsed.Info.Status) {
	case StatusDeployed, StatusPendingInstall, StatusPendingUpgrade, StatusPendingRollback, StatusFailed:
		return ReleaseStatus(parsed.Info.Status), nil
	case "":
		return StatusNotInstalled, nil
	default:
		return StatusUnknown, nil
	}
}

// Install applies the composite policy from the spec: clean up a stuck
// release before reinstalling, upgrade an already-deployed release, or
// install fresh.
func (i *Installer) Install(ctx context.Context, release, ns, chartPath string, values map[string]interface{}, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	current, err := i.Status(cctx, release, ns)
	if err != nil {
		return err
	}

	switch {
	case stuckStatuses[current]:
		if err := i.cleanupStuck(cctx, release, ns); err != nil {
			i.log.Info("cleanup of stuck release failed, attempting install anyway", "release", release, "error", err.Error())
		}
		return i.install(cctx, release, ns, chartPath, values)
	case current == StatusDeployed:
		return i.upgrade(cctx, release, ns, chartPath, values)
	default:
		return i.install(cctx, release, ns, chartPath, values)
	}
}

func (i *Installer) install(ctx context.Context, release, ns, chartPath string, values map[string]interface{}) error {
	valuesFile, cleanup, err := writeValuesFile(values)
	if err != nil {
		return operrors.Infra("write values file", err)
	}
	defer cleanup()

	_, _, err = i.run(ctx, "install", release, chartPath, "-n", ns, "--create-namespace", "-f", valuesFile)
	if err != nil {
		return operrors.Infra("helm install", err)
	}
	return nil
}

func (i *Installer) upgrade(ctx context.Context, release, ns, chartPath string, values map[string]interface{}) error {
	valuesFile, cleanup, err := writeValuesFile(values)
	if err != nil {
		return operrors.Infra("write values file", err)
	}
	defer cleanup()

	_, _, err = i.run(ctx, "upgrade", release, chartPath, "-n", ns, "-f", valuesFile)
	if err != nil {
		return operrors.Infra("helm upgrade", err)
	}
	return nil
}

// Uninstall removes a release; a not-found response from helm is
// success, matching the 404-equivalent convention used throughout the
// delete flow.
func (i *Installer) Uninstall(ctx context.Context, release, ns string) error {
	out, errOut, err := i.run(ctx, "uninstall", release, "-n", ns)
	if err != nil && !strings.Contains(string(out)+string(errOut), "not found") {
		return operrors.Infra("helm uninstall", err)
	}
	return nil
}

// cleanupStuck best-effort uninstalls a stuck release. It only runs
// `helm uninstall`; residual release-tracking secrets helm left behind
// are not looked up or deleted.
func (i *Installer) cleanupStuck(ctx context.Context, release, ns string) error {
	if err := i.Uninstall(ctx, release, ns); err != nil {
		i.log.Info("best-effort uninstall of stuck release failed", "release", release, "error", err.Error())
	}
	return nil
}

// run executes helm with args, returning truncated stdout/stderr so
// callers can report diagnostics without unbounded log growth.
func (i *Installer) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, i.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	i.log.V(1).Info("ran helm command", "args", args, "stdout", truncate(stdout.String()), "stderr", truncate(stderr.String()))
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("helm %s: %w: %s", strings.Join(args, " "), err, truncate(stderr.String()))
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func truncate(s string) string {
	if len(s) <= outputTruncateLen {
		return s
	}
	return s[:outputTruncateLen] + "...(truncated)"
}

func writeValuesFile(values map[string]interface{}) (string, func(), error) {
	data, err := yaml.Marshal(values)
	if err != nil {
		return "", func() {}, err
	}

	f, err := os.CreateTemp("", "store-values-*.yaml")
	if err != nil {
		return "", func() {}, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", func() {}, err
	}

	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
