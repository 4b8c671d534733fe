// Package gateway wraps the Kubernetes API behind idempotent,
// check-then-act primitives: the Reconciler never issues a raw client
// call, it asks the Gateway to ensure/read/delete and gets back a typed
// result plus a classified error.
package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
	operrors "github.com/urumi-ai/store-operator/internal/errors"
)

// crdName is the cluster-scoped name of the Store CustomResourceDefinition,
// derived from the plural/group the way every CRD name is.
const crdName = "stores.platform.urumi.ai"

// crdEstablishRetries/crdEstablishDelay bound how long EnsureCRD polls for
// the Established condition, the same poll-after-apply pattern
// giantswarm-k8senv/internal/crdcache uses after submitting a CRD.
const (
	crdEstablishRetries = 5
	crdEstablishDelay   = 200 * time.Millisecond
)

// ManagedByLabel, NameLabel, EngineLabel are stamped on every namespace
// the Gateway creates so the rest of the platform can discover Store
// namespaces without consulting the operator.
const (
	ManagedByLabel = "managed-by"
	NameLabel      = "store.platform.urumi.ai/name"
	EngineLabel    = "store.platform.urumi.ai/engine"
)

// Gateway is the sole owner of Kubernetes client construction: every
// caller gets the same underlying connections, built once per process.
type Gateway struct {
	Client     client.Client
	Typed      kubernetes.Interface
	Ext        apiextensionsclient.Interface
	RestConfig *rest.Config
}

var (
	loadOnce   sync.Once
	loadResult *Gateway
	loadErr    error
)

// New builds (or returns the already-built) Gateway for this process,
// loading in-cluster config first and falling back to a local
// kubeconfig, mirroring the teacher operator's config-loading order.
func New(scheme *runtime.Scheme, inCluster bool, kubeconfigPath string) (*Gateway, error) {
	loadOnce.Do(func() {
		loadResult, loadErr = build(scheme, inCluster, kubeconfigPath)
	})
	return loadResult, loadErr
}

func build(scheme *runtime.Scheme, inCluster bool, kubeconfigPath string) (*Gateway, error) {
	cfg, err := loadRestConfig(inCluster, kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading kube config: %w", err)
	}

	c, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("building controller-runtime client: %w", err)
	}

	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building typed clientset: %w", err)
	}

	ext, err := apiextensionsclient.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building apiextensions clientset: %w", err)
	}

	return &Gateway{Client: c, Typed: typed, Ext: ext, RestConfig: cfg}, nil
}

func loadRestConfig(inCluster bool, kubeconfigPath string) (*rest.Config, error) {
	if inCluster {
		return rest.InClusterConfig()
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	if kubeconfigPath == "" {
		if home, ok := os.LookupEnv("HOME"); ok {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// EnsureCRD creates the Store CustomResourceDefinition if it is absent,
// or updates its spec in place if it already exists, then polls for the
// Established condition the same way crdcache waits after applying a CRD
// document. The schema is intentionally permissive (structural but
// preserve-unknown-fields) since validation here would duplicate the
// kubebuilder markers on StoreSpec/StoreStatus without being kept in sync
// with them automatically.
func (g *Gateway) EnsureCRD(ctx context.Context) error {
	preserveUnknown := true
	crd := &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{Name: crdName},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: "platform.urumi.ai",
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:   "stores",
				Singular: "store",
				Kind:     "Store",
				ListKind: "StoreList",
			},
			Scope: apiextensionsv1.ClusterScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{
				{
					Name:    "v1",
					Served:  true,
					Storage: true,
					Subresources: &apiextensionsv1.CustomResourceSubresources{
						Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
					},
					Schema: &apiextensionsv1.CustomResourceValidation{
						OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
							Type:                   "object",
							XPreserveUnknownFields: &preserveUnknown,
						},
					},
				},
			},
		},
	}

	existing, err := g.Ext.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, crdName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := g.Ext.ApiextensionsV1().CustomResourceDefinitions().Create(ctx, crd, metav1.CreateOptions{}); err != nil {
			return classify(err, "create store crd")
		}
	case err != nil:
		return classify(err, "get store crd")
	default:
		existing.Spec = crd.Spec
		if _, err := g.Ext.ApiextensionsV1().CustomResourceDefinitions().Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return classify(err, "update store crd")
		}
	}

	for attempt := 0; attempt < crdEstablishRetries; attempt++ {
		got, err := g.Ext.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, crdName, metav1.GetOptions{})
		if err == nil && crdEstablished(got) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(crdEstablishDelay):
		}
	}
	return operrors.Infra("store crd did not become established", nil)
}

// crdEstablished mirrors crdcache's isCRDEstablished check: Established
// must be present and True before dependent watches are safe to start.
func crdEstablished(crd *apiextensionsv1.CustomResourceDefinition) bool {
	for _, cond := range crd.Status.Conditions {
		if cond.Type == apiextensionsv1.Established && cond.Status == apiextensionsv1.ConditionTrue {
			return true
		}
	}
	return false
}

// EnsureNamespace creates the namespace if absent, stamping the
// standard Store labels. A 409 conflict (someone else created it
// concurrently) is treated as success.
func (g *Gateway) EnsureNamespace(ctx context.Context, name, storeName, engine string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				ManagedByLabel: "store-operator",
				NameLabel:      storeName,
				EngineLabel:    engine,
			},
		},
	}
	err := g.Client.Create(ctx, ns)
	if err == nil || apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err) {
		return nil
	}
	return classify(err, "create namespace")
}

// DeleteNamespace deletes the namespace; not-found is success.
func (g *Gateway) DeleteNamespace(ctx context.Context, name string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	err := g.Client.Delete(ctx, ns)
	if err == nil || apierrors.IsNotFound(err) {
		return nil
	}
	return classify(err, "delete namespace")
}

// WorkloadStatus is the subset of replica/readiness bookkeeping the
// Reconciler's readiness gates and drift detector need, unified across
// Deployment/StatefulSet/Service so callers don't branch on kind.
type WorkloadStatus struct {
	Exists        bool
	Replicas      int32
	ReadyReplicas int32
}

// ReadDeployment reports whether a Deployment exists and its replica
// counts. A not-found is reported as Exists=false, not an error.
func (g *Gateway) ReadDeployment(ctx context.Context, ns, name string) (WorkloadStatus, error) {
	dep := &appsv1.Deployment{}
	err := g.Client.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, dep)
	if apierrors.IsNotFound(err) {
		return WorkloadStatus{}, nil
	}
	if err != nil {
		return WorkloadStatus{}, classify(err, "read deployment "+name)
	}
	return WorkloadStatus{Exists: true, Replicas: dep.Status.Replicas, ReadyReplicas: dep.Status.ReadyReplicas}, nil
}

// ReadStatefulSet mirrors ReadDeployment for the postgres StatefulSet
// the drift detector checks.
func (g *Gateway) ReadStatefulSet(ctx context.Context, ns, name string) (WorkloadStatus, error) {
	ss := &appsv1.StatefulSet{}
	err := g.Client.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, ss)
	if apierrors.IsNotFound(err) {
		return WorkloadStatus{}, nil
	}
	if err != nil {
		return WorkloadStatus{}, classify(err, "read statefulset "+name)
	}
	return WorkloadStatus{Exists: true, Replicas: ss.Status.Replicas, ReadyReplicas: ss.Status.ReadyReplicas}, nil
}

// ReadService reports only existence: the readiness gates and drift
// detector never inspect Service status, just whether it's there.
func (g *Gateway) ReadService(ctx context.Context, ns, name string) (bool, error) {
	svc := &corev1.Service{}
	err := g.Client.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, svc)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "read service "+name)
	}
	return true, nil
}

// PodStatus summarizes one pod's readiness for the readiness gates and
// health-check timer.
type PodStatus struct {
	Name           string
	Phase          corev1.PodPhase
	AllReady       bool
	WaitingReason  string
}

// ListPods lists pods in ns matching labelSelector and summarizes each
// one's readiness, surfacing the first Waiting container reason found
// (e.g. CrashLoopBackOff) so the caller can report something actionable.
func (g *Gateway) ListPods(ctx context.Context, ns string, labelSelector map[string]string) ([]PodStatus, error) {
	var list corev1.PodList
	if err := g.Client.List(ctx, &list, client.InNamespace(ns), client.MatchingLabels(labelSelector)); err != nil {
		return nil, classify(err, "list pods")
	}

	out := make([]PodStatus, 0, len(list.Items))
	for _, pod := range list.Items {
		ps := PodStatus{Name: pod.Name, Phase: pod.Status.Phase, AllReady: true}
		for _, cs := range pod.Status.ContainerStatuses {
			if !cs.Ready {
				ps.AllReady = false
			}
			if cs.State.Waiting != nil && ps.WaitingReason == "" {
				ps.WaitingReason = cs.State.Waiting.Reason
			}
		}
		out = append(out, ps)
	}
	return out, nil
}

// ListPVCs lists the PersistentVolumeClaims in ns.
func (g *Gateway) ListPVCs(ctx context.Context, ns string) ([]string, error) {
	var list corev1.PersistentVolumeClaimList
	if err := g.Client.List(ctx, &list, client.InNamespace(ns)); err != nil {
		return nil, classify(err, "list pvcs")
	}
	names := make([]string, 0, len(list.Items))
	for _, pvc := range list.Items {
		names = append(names, pvc.Name)
	}
	return names, nil
}

// DeletePVC deletes a PVC by name; not-found is success.
func (g *Gateway) DeletePVC(ctx context.Context, ns, name string) error {
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name}}
	err := g.Client.Delete(ctx, pvc)
	if err == nil || apierrors.IsNotFound(err) {
		return nil
	}
	return classify(err, "delete pvc "+name)
}

// ListStores lists every Store in the cluster, used by the Quota
// Evaluator and the harness's resume scan.
func (g *Gateway) ListStores(ctx context.Context) ([]storev1.Store, error) {
	var list storev1.StoreList
	if err := g.Client.List(ctx, &list); err != nil {
		return nil, classify(err, "list stores")
	}
	return list.Items, nil
}

// PatchStoreStatus applies a JSON merge patch computed against base so
// that two handlers racing on unrelated status subtrees do not clobber
// each other's writes.
func (g *Gateway) PatchStoreStatus(ctx context.Context, base, updated *storev1.Store) error {
	if err := g.Client.Status().Patch(ctx, updated, client.MergeFrom(base)); err != nil {
		return classify(err, "patch store status")
	}
	return nil
}

// classify maps an apimachinery error into the operator's typed error
// taxonomy so the Reconciler can decide retry policy without importing
// apierrors itself.
func classify(err error, context string) error {
	switch {
	case apierrors.IsNotFound(err):
		return operrors.AlreadyGone(context)
	case apierrors.IsConflict(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err), apierrors.IsTimeout(err):
		return operrors.Infra(context, err)
	default:
		return operrors.New(operrors.KindPermanent, context, err)
	}
}
