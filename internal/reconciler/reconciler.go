// Package reconciler implements the Store state machine: engine gate,
// quota re-check, provisioning, readiness gates, drift detection, and
// teardown. It is the only component that writes Store.Status — every
// lower package raises a typed error from internal/errors and this
// package alone decides retry/fail/ignore, mirroring the teacher's
// single-Reconcile-method-with-named-substeps shape.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
	"github.com/urumi-ai/store-operator/internal/config"
	operrors "github.com/urumi-ai/store-operator/internal/errors"
	"github.com/urumi-ai/store-operator/internal/events"
	"github.com/urumi-ai/store-operator/internal/gateway"
	"github.com/urumi-ai/store-operator/internal/installer"
	"github.com/urumi-ai/store-operator/internal/quota"
	"github.com/urumi-ai/store-operator/internal/status"
)

const (
	readyDelay    = 15 * time.Second
	errorDelay    = 30 * time.Second
	driftIdle     = 120 * time.Second
	maxRetryCount = 3

	// driftCheckConcurrency bounds the fan-out of reconcileDrift's six
	// independent existence/replica reads, the same way
	// crdApplyConcurrency bounds parallel CRD application in the pack:
	// each check is an independent read-only Get against its own
	// resource, so they are safe to run concurrently.
	driftCheckConcurrency = 4
)

// Result is the "transient failure with delay" expressed as a value
// rather than an exception — the harness reads this and schedules the
// next attempt, it never sleeps inside the handler.
type Result struct {
	Requeue      bool
	RequeueAfter time.Duration
	Err          error
}

func done() Result { return Result{} }

func requeueAfter(d time.Duration) Result { return Result{Requeue: true, RequeueAfter: d} }

func failed(err error) Result { return Result{Err: err} }

// Reconciler wires the Cluster Gateway, Installer Wrapper, Event
// Publisher and Quota Evaluator behind the state machine described in
// the data model's invariants.
type Reconciler struct {
	Gateway   *gateway.Gateway
	Installer *installer.Installer
	Events    *events.Publisher
	Quota     *quota.Evaluator
	Config    *config.Config
	Log       logr.Logger
}

// Reconcile runs one create/resume/drift/delete pass for the named
// Store. The caller (the Worker Pool Harness) guarantees at most one
// concurrent call per Store name.
func (r *Reconciler) Reconcile(ctx context.Context, name string) Result {
	log := r.Log.WithValues("store", name)

	stores, err := r.Gateway.ListStores(ctx)
	if err != nil {
		return failed(err)
	}

	var store *storev1.Store
	for i := range stores {
		if stores[i].Name == name {
			store = &stores[i]
			break
		}
	}
	if store == nil {
		log.V(1).Info("store no longer exists, nothing to do")
		return done()
	}

	if !store.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, store)
	}

	if store.Status.Phase == storev1.PhaseReady {
		return r.reconcileDrift(ctx, store)
	}

	return r.reconcileCreateOrResume(ctx, store)
}

// reconcileCreateOrResume implements spec.md §4.6's numbered
// create/resume flow, steps 1-8.
func (r *Reconciler) reconcileCreateOrResume(ctx context.Context, store *storev1.Store) Result {
	base := store.DeepCopy()
	ns := store.Namespace()

	// Step 1: engine gate.
	if store.Spec.Engine == storev1.EngineWooCommerce {
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionEngineReady, metav1.ConditionFalse, "ComingSoon", "woocommerce support is coming soon")
		store.Status.Phase = storev1.PhaseComingSoon
		store.Status.Message = "Engine support coming soon"
		store.Status.ActivityLog = status.AppendActivity(store.Status.ActivityLog, "ENGINE_STUB", "woocommerce engine not yet supported")
		return r.patchAndReturn(ctx, base, store, done())
	}

	// Step 2: quota re-check, only outside Provisioning/Ready.
	if store.Status.Phase != storev1.PhaseProvisioning && store.Status.Phase != storev1.PhaseReady {
		allowed, err := r.Quota.ReconcileAllowed(ctx, store.Spec.Owner)
		if err != nil {
			return failed(err)
		}
		if !allowed {
			status.UpsertCondition(&store.Status.Conditions, storev1.ConditionQuotaCheck, metav1.ConditionFalse, "QuotaExceeded", "owner has reached the store quota")
			store.Status.Phase = storev1.PhaseFailed
			store.Status.Message = "Quota exceeded"
			store.Status.ActivityLog = status.AppendActivity(store.Status.ActivityLog, "QUOTA_EXCEEDED", "owner quota exceeded")
			return r.patchAndReturn(ctx, base, store, done())
		}
	}

	// Step 3: short-circuit on Ready (drift handled by the timer path).
	if store.Status.Phase == storev1.PhaseReady {
		return r.patchAndReturn(ctx, base, store, done())
	}

	// Step 4: enter Provisioning.
	if store.Status.Phase != storev1.PhaseProvisioning {
		store.Status.Phase = storev1.PhaseProvisioning
		store.Status.Message = "Provisioning store"
		if store.Status.CreatedAt == nil {
			now := status.Now()
			store.Status.CreatedAt = &now
		}
		store.Status.ActivityLog = status.AppendActivity(store.Status.ActivityLog, "PROVISIONING_START", "provisioning started")
	}

	// Step 5: namespace.
	if err := r.Gateway.EnsureNamespace(ctx, ns, store.Name, string(store.Spec.Engine)); err != nil {
		return r.handleProvisioningError(ctx, base, store, err)
	}
	status.UpsertCondition(&store.Status.Conditions, storev1.ConditionNamespaceReady, metav1.ConditionTrue, "Created", "namespace exists")

	// Step 6: installer.
	values := r.buildValues(store)
	timeout := time.Duration(r.Config.ProvisionTimeout) * time.Second
	if err := r.Installer.Install(ctx, store.ReleaseName(), ns, r.Config.HelmChartPath, values, timeout); err != nil {
		return r.handleProvisioningError(ctx, base, store, err)
	}
	status.UpsertCondition(&store.Status.Conditions, storev1.ConditionHelmInstalled, metav1.ConditionTrue, "Installed", "release installed")

	// Step 7: readiness gates, strict order database -> backend -> storefront.
	for _, gate := range []struct {
		component string
		condition string
	}{
		{"postgres", storev1.ConditionDatabaseReady},
		{"medusa-backend", storev1.ConditionBackendReady},
		{"storefront", storev1.ConditionStorefrontReady},
	} {
		if ready, reason := r.checkComponentReady(ctx, ns, gate.component); !ready {
			status.UpsertCondition(&store.Status.Conditions, gate.condition, metav1.ConditionFalse, "NotReady", reason)
			r.patch(ctx, base, store)
			return requeueAfter(readyDelay)
		}
		status.UpsertCondition(&store.Status.Conditions, gate.condition, metav1.ConditionTrue, "Running", "component is ready")
	}

	// Step 8: ready.
	url := fmt.Sprintf("http://%s.%s", store.Name, domainSuffix(store, r.Config))
	store.Status.URL = url
	store.Status.AdminURL = url + "/app"
	store.Status.Phase = storev1.PhaseReady
	store.Status.Message = "Store is ready"
	store.Status.RetryCount = 0
	store.Status.ActivityLog = status.AppendActivity(store.Status.ActivityLog, "STORE_READY", "store is ready")
	r.Events.Publish(ctx, store.Name, events.Event{Type: "STORE_READY", Store: store.Name, Phase: string(store.Status.Phase), Message: store.Status.Message, Timestamp: time.Now()})

	return r.patchAndReturn(ctx, base, store, done())
}

// handleProvisioningError implements the error policy from spec.md
// §4.6/§7: classify, bump retryCount for every kind except not-ready and
// validation errors (infra and permanent/unclassified alike), fail
// permanently at the retry cap, otherwise requeue with a backoff.
func (r *Reconciler) handleProvisioningError(ctx context.Context, base, store *storev1.Store, err error) Result {
	kind := operrors.KindOf(err)

	switch kind {
	case operrors.KindTransientNotReady:
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionProvisioning, metav1.ConditionFalse, "NotReady", err.Error())
		r.patch(ctx, base, store)
		return requeueAfter(readyDelay)

	case operrors.KindValidation:
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionProvisioning, metav1.ConditionFalse, "Error", err.Error())
		store.Status.Phase = storev1.PhaseFailed
		store.Status.Message = status.Truncate(err.Error(), 200)
		return r.patchAndReturn(ctx, base, store, done())

	default:
		store.Status.RetryCount++
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionProvisioning, metav1.ConditionFalse, "Error", err.Error())
		store.Status.Phase = storev1.PhaseFailed
		store.Status.Message = status.Truncate(err.Error(), 200)
		store.Status.ActivityLog = status.AppendActivity(store.Status.ActivityLog, "PROVISIONING_ERROR", err.Error())

		if store.Status.RetryCount < maxRetryCount {
			r.patch(ctx, base, store)
			return requeueAfter(errorDelay)
		}
		return r.patchAndReturn(ctx, base, store, done())
	}
}

// checkComponentReady checks pods labeled app.kubernetes.io/name=component
// for phase Running with every container ready, per spec.md §4.6 step 7.
func (r *Reconciler) checkComponentReady(ctx context.Context, ns, component string) (bool, string) {
	pods, err := r.Gateway.ListPods(ctx, ns, map[string]string{"app.kubernetes.io/name": component})
	if err != nil {
		return false, err.Error()
	}
	if len(pods) == 0 {
		return false, "no pods scheduled yet"
	}
	for _, p := range pods {
		if p.WaitingReason != "" {
			return false, p.WaitingReason
		}
		if p.Phase != "Running" || !p.AllReady {
			return false, "waiting for pod to become ready"
		}
	}
	return true, ""
}

// reconcileDrift implements the 120s drift-detection timer described in
// spec.md §4.6: medusa-only, checks existence plus one-sided replica
// comparison on medusa-backend, heals via install()'s upgrade path.
func (r *Reconciler) reconcileDrift(ctx context.Context, store *storev1.Store) Result {
	base := store.DeepCopy()
	ns := store.Namespace()

	if store.Spec.Engine != storev1.EngineMedusa {
		return done()
	}

	// Each check below is an independent read-only Get, so they fan out
	// through an errgroup bounded to driftCheckConcurrency rather than
	// running sequentially. Every goroutine writes to its own variable
	// or its own slice index, so no synchronization is needed to
	// aggregate the results once g.Wait() returns.
	serviceNames := []string{"medusa-backend", "storefront", "postgres"}
	serviceExists := make([]bool, len(serviceNames))

	var backend, storefront, pg gateway.WorkloadStatus
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(driftCheckConcurrency)

	g.Go(func() error {
		var err error
		backend, err = r.Gateway.ReadDeployment(gctx, ns, "medusa-backend")
		return err
	})
	g.Go(func() error {
		var err error
		storefront, err = r.Gateway.ReadDeployment(gctx, ns, "storefront")
		return err
	})
	g.Go(func() error {
		var err error
		pg, err = r.Gateway.ReadStatefulSet(gctx, ns, "postgres")
		return err
	})
	for i, svc := range serviceNames {
		i, svc := i, svc
		g.Go(func() error {
			exists, err := r.Gateway.ReadService(gctx, ns, svc)
			if err != nil {
				return err
			}
			serviceExists[i] = exists
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return failed(err)
	}

	var reasons []string
	if !backend.Exists {
		reasons = append(reasons, "medusa-backend deployment missing")
	}
	if !storefront.Exists {
		reasons = append(reasons, "storefront deployment missing")
	}
	if !pg.Exists {
		reasons = append(reasons, "postgres statefulset missing")
	}
	for i, svc := range serviceNames {
		if !serviceExists[i] {
			reasons = append(reasons, svc+" service missing")
		}
	}

	wantReplicas := int32(1)
	if store.Spec.Replicas != nil {
		wantReplicas = *store.Spec.Replicas
	}
	if backend.Exists && backend.ReadyReplicas != wantReplicas {
		reasons = append(reasons, fmt.Sprintf("medusa-backend readyReplicas %d != desired %d", backend.ReadyReplicas, wantReplicas))
	}

	if len(reasons) > 0 {
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionDriftDetected, metav1.ConditionTrue, "DriftFound", joinReasons(reasons))
		store.Status.ActivityLog = status.AppendActivity(store.Status.ActivityLog, "DRIFT_DETECTED", joinReasons(reasons))
		r.patch(ctx, base, store)

		values := r.buildValues(store)
		timeout := time.Duration(r.Config.ProvisionTimeout) * time.Second
		if err := r.Installer.Install(ctx, store.ReleaseName(), ns, r.Config.HelmChartPath, values, timeout); err != nil {
			return failed(err)
		}

		healedBase := store.DeepCopy()
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionDriftDetected, metav1.ConditionFalse, "Healed", "drift repaired")
		return r.patchAndReturn(ctx, healedBase, store, requeueAfter(driftIdle))
	}

	pods, err := r.Gateway.ListPods(ctx, ns, nil)
	if err != nil {
		return failed(err)
	}
	degraded := false
	for _, p := range pods {
		if p.Phase != "Running" && p.Phase != "Succeeded" {
			degraded = true
			break
		}
	}
	if degraded {
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionHealthCheck, metav1.ConditionFalse, "PodDegraded", "one or more pods are not running")
	} else {
		status.UpsertCondition(&store.Status.Conditions, storev1.ConditionHealthCheck, metav1.ConditionTrue, "Healthy", "all pods running")
	}

	return r.patchAndReturn(ctx, base, store, requeueAfter(driftIdle))
}

// reconcileDelete implements the finalizer-guaranteed teardown sequence
// from spec.md §4.6: woocommerce is a no-op, everything else is
// best-effort cleanup so a stuck dependency never blocks finalizer
// removal indefinitely.
func (r *Reconciler) reconcileDelete(ctx context.Context, store *storev1.Store) Result {
	if store.Spec.Engine == storev1.EngineWooCommerce {
		return done()
	}

	ns := store.Namespace()
	r.Events.Publish(ctx, store.Name, events.Event{Type: "DELETE_START", Store: store.Name, Timestamp: time.Now()})

	if err := r.Installer.Uninstall(ctx, store.ReleaseName(), ns); err != nil {
		r.Log.Info("uninstall failed during delete, continuing teardown", "store", store.Name, "error", err.Error())
	}

	pvcs, err := r.Gateway.ListPVCs(ctx, ns)
	if err != nil {
		r.Log.Info("listing pvcs failed during delete, continuing teardown", "store", store.Name, "error", err.Error())
	}
	for _, pvc := range pvcs {
		if err := r.Gateway.DeletePVC(ctx, ns, pvc); err != nil {
			r.Log.Info("deleting pvc failed, continuing teardown", "store", store.Name, "pvc", pvc, "error", err.Error())
		}
	}

	if err := r.Gateway.DeleteNamespace(ctx, ns); err != nil {
		r.Log.Info("deleting namespace failed, continuing teardown", "store", store.Name, "error", err.Error())
	}

	r.Events.DeleteStream(ctx, store.Name)

	return done()
}

func (r *Reconciler) buildValues(store *storev1.Store) map[string]interface{} {
	return map[string]interface{}{
		"storeName":       store.Name,
		"backendImage":    r.Config.MedusaImage,
		"storefrontImage": r.Config.StorefrontImage,
		"ingressHost":     fmt.Sprintf("%s.%s", store.Name, domainSuffix(store, r.Config)),
		"ingressClass":    r.Config.IngressClass,
		"storageClass":    r.Config.StorageClass,
	}
}

func domainSuffix(store *storev1.Store, cfg *config.Config) string {
	if store.Spec.DomainSuffix != "" {
		return store.Spec.DomainSuffix
	}
	return cfg.DomainSuffix
}

// patch applies the accumulated status change, logging but not
// returning failures — callers use it when a later return value (like
// a requeue) already carries the outcome that matters.
func (r *Reconciler) patch(ctx context.Context, base, store *storev1.Store) {
	store.Status.LastUpdated = lastUpdated()
	if err := r.Gateway.PatchStoreStatus(ctx, base, store); err != nil {
		r.Log.Info("failed to patch store status", "store", store.Name, "error", err.Error())
	}
}

// patchAndReturn applies the accumulated status change and passes
// through res, surfacing a patch failure only if res itself carried no
// error already.
func (r *Reconciler) patchAndReturn(ctx context.Context, base, store *storev1.Store, res Result) Result {
	store.Status.LastUpdated = lastUpdated()
	if err := r.Gateway.PatchStoreStatus(ctx, base, store); err != nil && res.Err == nil {
		res.Err = err
	}
	return res
}

func lastUpdated() *metav1.Time {
	t := status.Now()
	return &t
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, rr := range reasons[1:] {
		out += "; " + rr
	}
	return status.Truncate(out, 200)
}
