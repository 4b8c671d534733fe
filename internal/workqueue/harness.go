// Package workqueue is the Worker Pool Harness: it watches Stores with
// a shared informer, feeds names onto a rate-limited workqueue, and
// runs a bounded pool of workers that call into the Reconciler. It owns
// everything the reconciler state machine itself must stay ignorant of
// — finalizer bookkeeping, progress-persisting annotations, startup
// resume events, and transient-failure backoff scheduling.
package workqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/client"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
	"github.com/urumi-ai/store-operator/internal/reconciler"
)

// storeGVR identifies the Store custom resource for the dynamic
// informer, used instead of a generated typed clientset.
var storeGVR = schema.GroupVersionResource{Group: "platform.urumi.ai", Version: "v1", Resource: "stores"}

const (
	annotationRetryCount = "platform.urumi.ai/retry-count"
	annotationPhaseHint  = "platform.urumi.ai/phase-hint"
	resyncPeriod         = 10 * time.Minute
)

// Reconciler is the subset of reconciler.Reconciler the harness drives.
type Reconciler interface {
	Reconcile(ctx context.Context, name string) reconciler.Result
}

// Harness owns the queue, the informer, and the worker goroutines.
type Harness struct {
	Client     client.Client
	Dynamic    dynamic.Interface
	Reconciler Reconciler
	Workers    int
	Log        logr.Logger

	queue    workqueue.TypedRateLimitingInterface[string]
	informer cache.SharedIndexInformer
}

// New builds a Harness with its queue and informer wired, ready for
// Run.
func New(c client.Client, dyn dynamic.Interface, rec Reconciler, workers int, log logr.Logger) *Harness {
	h := &Harness{
		Client:     c,
		Dynamic:    dyn,
		Reconciler: rec,
		Workers:    workers,
		Log:        log,
		queue: workqueue.NewTypedRateLimitingQueue[string](
			workqueue.NewTypedItemExponentialFailureRateLimiter[string](1*time.Second, 30*time.Second),
		),
	}

	factory := dynamicinformer.NewDynamicSharedInformerFactory(dyn, resyncPeriod)
	informer := factory.ForResource(storeGVR).Informer()
	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { h.enqueue(obj) },
		UpdateFunc: func(_, obj interface{}) { h.enqueue(obj) },
		DeleteFunc: func(obj interface{}) { h.enqueue(obj) },
	})
	h.informer = informer

	return h
}

func (h *Harness) enqueue(obj interface{}) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			u, ok = tombstone.Obj.(*unstructured.Unstructured)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	h.queue.Add(u.GetName())
}

// Run starts the informer, synthesizes resume events for every
// non-Ready Store once the initial list has synced, then blocks
// running Workers reconcile loops until ctx is cancelled.
func (h *Harness) Run(ctx context.Context) error {
	go h.informer.Run(ctx.Done())

	if !cache.WaitForCacheSync(ctx.Done(), h.informer.HasSynced) {
		return ctx.Err()
	}

	h.resumeNonReadyStores(ctx)

	for i := 0; i < h.Workers; i++ {
		go h.worker(ctx)
	}

	<-ctx.Done()
	h.queue.ShutDown()
	return nil
}

// resumeNonReadyStores synthesizes an event for every Store not in
// phase Ready so an operator restart resumes exactly where it left
// off, per spec.md §4.7.
func (h *Harness) resumeNonReadyStores(ctx context.Context) {
	var list storev1.StoreList
	if err := h.Client.List(ctx, &list); err != nil {
		h.Log.Error(err, "failed to list stores for resume scan")
		return
	}
	for _, s := range list.Items {
		if s.Status.Phase != storev1.PhaseReady {
			h.queue.Add(s.Name)
		}
	}
}

func (h *Harness) worker(ctx context.Context) {
	for h.processNext(ctx) {
	}
}

// processNext pops one item, ensures the finalizer bookkeeping and
// progress annotations are consistent, runs the reconciler, and
// schedules the next attempt per the returned Result.
func (h *Harness) processNext(ctx context.Context) bool {
	name, shutdown := h.queue.Get()
	if shutdown {
		return false
	}
	defer h.queue.Done(name)

	log := h.Log.WithValues("store", name)

	var store storev1.Store
	err := h.Client.Get(ctx, client.ObjectKey{Name: name}, &store)
	if err == nil {
		if err := h.ensureFinalizerBookkeeping(ctx, &store); err != nil {
			log.Error(err, "failed to update finalizer bookkeeping")
			h.queue.AddRateLimited(name)
			return true
		}
	}

	res := h.Reconciler.Reconcile(ctx, name)

	switch {
	case res.Err != nil:
		log.Error(res.Err, "reconcile failed")
		h.queue.AddRateLimited(name)
	case res.Requeue:
		h.queue.Forget(name)
		h.queue.AddAfter(name, res.RequeueAfter)
	default:
		h.queue.Forget(name)
		h.finalizeDeletionIfDone(ctx, name)
	}

	return true
}

// ensureFinalizerBookkeeping adds the finalizer on first observation
// and persists retryCount/phase into annotations so a restart can
// resume without re-deriving them from a half-read status.
func (h *Harness) ensureFinalizerBookkeeping(ctx context.Context, store *storev1.Store) error {
	if store.DeletionTimestamp.IsZero() {
		changed := false
		if !hasFinalizer(store, storev1.Finalizer) {
			store.Finalizers = append(store.Finalizers, storev1.Finalizer)
			changed = true
		}
		if store.Annotations == nil {
			store.Annotations = map[string]string{}
		}
		if store.Annotations[annotationRetryCount] != strconv.Itoa(store.Status.RetryCount) {
			store.Annotations[annotationRetryCount] = strconv.Itoa(store.Status.RetryCount)
			changed = true
		}
		if store.Annotations[annotationPhaseHint] != string(store.Status.Phase) {
			store.Annotations[annotationPhaseHint] = string(store.Status.Phase)
			changed = true
		}
		if changed {
			return h.Client.Update(ctx, store)
		}
	}
	return nil
}

// finalizeDeletionIfDone removes the finalizer once the reconciler has
// reported a successful Delete pass (phase Deleted would already be
// unreachable since the object disappears from the API once the
// finalizer clears, so this checks DeletionTimestamp directly).
func (h *Harness) finalizeDeletionIfDone(ctx context.Context, name string) {
	var store storev1.Store
	if err := h.Client.Get(ctx, client.ObjectKey{Name: name}, &store); err != nil {
		return
	}
	if store.DeletionTimestamp.IsZero() {
		return
	}
	if !hasFinalizer(&store, storev1.Finalizer) {
		return
	}
	store.Finalizers = removeFinalizer(store.Finalizers, storev1.Finalizer)
	if err := h.Client.Update(ctx, &store); err != nil {
		h.Log.Error(err, "failed to remove finalizer", "store", name)
	}
}

func hasFinalizer(store *storev1.Store, f string) bool {
	for _, existing := range store.Finalizers {
		if existing == f {
			return true
		}
	}
	return false
}

func removeFinalizer(finalizers []string, f string) []string {
	out := finalizers[:0]
	for _, existing := range finalizers {
		if existing != f {
			out = append(out, existing)
		}
	}
	return out
}
