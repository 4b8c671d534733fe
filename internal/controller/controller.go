// Package controller assembles the operator's process-wide context: one
// Gateway, one Installer, one Event Publisher, one Quota Evaluator, and
// the Reconciler and Harness built on top of them. Everything that used
// to be lazy-initialized global/mutable state in the source system
// becomes an explicit value constructed once here and passed down, per
// the design note on process-wide mutable state.
package controller

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
	"github.com/urumi-ai/store-operator/internal/config"
	"github.com/urumi-ai/store-operator/internal/events"
	"github.com/urumi-ai/store-operator/internal/gateway"
	"github.com/urumi-ai/store-operator/internal/installer"
	"github.com/urumi-ai/store-operator/internal/quota"
	"github.com/urumi-ai/store-operator/internal/reconciler"
	"github.com/urumi-ai/store-operator/internal/workqueue"
)

// Controller is the fully wired operator, built once at startup.
type Controller struct {
	Config     *config.Config
	Log        logr.Logger
	Gateway    *gateway.Gateway
	Installer  *installer.Installer
	Events     *events.Publisher
	Quota      *quota.Evaluator
	Reconciler *reconciler.Reconciler
	Harness    *workqueue.Harness
}

// Scheme builds the runtime scheme the Gateway's controller-runtime
// client needs: client-go's built-in types plus the Store CRD. It also
// registers apiextensions/v1's CustomResourceDefinition type, the same
// scheme addition the pack makes before talking to the apiextensions API
// (giantswarm-k8senv/internal/crdcache), since EnsureCRD decodes/encodes
// CustomResourceDefinition objects through this scheme.
func Scheme() (*runtime.Scheme, error) {
	s := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(s); err != nil {
		return nil, fmt.Errorf("registering client-go scheme: %w", err)
	}
	if err := storev1.AddToScheme(s); err != nil {
		return nil, fmt.Errorf("registering store scheme: %w", err)
	}
	if err := apiextensionsv1.AddToScheme(s); err != nil {
		return nil, fmt.Errorf("registering apiextensions scheme: %w", err)
	}
	return s, nil
}

// New wires every component described in SPEC_FULL.md §4 into a single
// Controller, in dependency order: config is already loaded by the
// caller, everything else is built from it here exactly once.
func New(ctx context.Context, cfg *config.Config, log logr.Logger) (*Controller, error) {
	scheme, err := Scheme()
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(scheme, cfg.InCluster, cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building cluster gateway: %w", err)
	}

	if err := gw.EnsureCRD(ctx); err != nil {
		return nil, fmt.Errorf("ensuring store crd: %w", err)
	}

	inst, err := installer.New(log.WithName("installer"))
	if err != nil {
		return nil, fmt.Errorf("building installer wrapper: %w", err)
	}

	pub, err := events.New(ctx, cfg.RedisURL, log.WithName("events"))
	if err != nil {
		return nil, fmt.Errorf("building event publisher: %w", err)
	}

	q := &quota.Evaluator{
		Lister:            gw,
		MaxStores:         cfg.MaxStores,
		MaxStoresPerOwner: cfg.MaxStoresPerOwner,
		MaxStoresGlobal:   cfg.MaxStoresGlobal,
	}

	rec := &reconciler.Reconciler{
		Gateway:   gw,
		Installer: inst,
		Events:    pub,
		Quota:     q,
		Config:    cfg,
		Log:       log.WithName("reconciler"),
	}

	dyn, err := dynamic.NewForConfig(gw.RestConfig)
	if err != nil {
		return nil, fmt.Errorf("building dynamic client: %w", err)
	}

	harness := workqueue.New(gw.Client, dyn, rec, cfg.MaxParallelProvisions, log.WithName("harness"))

	return &Controller{
		Config:     cfg,
		Log:        log,
		Gateway:    gw,
		Installer:  inst,
		Events:     pub,
		Quota:      q,
		Reconciler: rec,
		Harness:    harness,
	}, nil
}

// Run blocks serving the operator's watch/reconcile loop until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.Log.Info("starting store operator",
		"maxParallelProvisions", c.Config.MaxParallelProvisions,
		"helmChartPath", c.Config.HelmChartPath,
	)
	defer func() {
		if err := c.Events.Close(); err != nil {
			c.Log.Info("error closing event publisher", "error", err.Error())
		}
	}()
	return c.Harness.Run(ctx)
}
