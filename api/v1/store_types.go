package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Finalizer is set on every Store with a non-terminal phase and blocks its
// removal from storage until the Operator has finished tearing down the
// resources it owns.
const Finalizer = "stores.platform.urumi.ai/finalizer"

// StoreEngine selects the e-commerce engine a Store is provisioned with.
// +kubebuilder:validation:Enum=medusa;woocommerce
type StoreEngine string

const (
	EngineMedusa      StoreEngine = "medusa"
	EngineWooCommerce StoreEngine = "woocommerce"
)

// StorePhase is the coarse-grained lifecycle phase of a Store.
// +kubebuilder:validation:Enum=Pending;Provisioning;Ready;Failed;ComingSoon;Deleting;Deleted
type StorePhase string

const (
	PhasePending      StorePhase = "Pending"
	PhaseProvisioning StorePhase = "Provisioning"
	PhaseReady        StorePhase = "Ready"
	PhaseFailed       StorePhase = "Failed"
	PhaseComingSoon   StorePhase = "ComingSoon"
	PhaseDeleting     StorePhase = "Deleting"
	PhaseDeleted      StorePhase = "Deleted"
)

// Condition type names the Reconciler writes to Status.Conditions.
const (
	ConditionEngineReady     = "EngineReady"
	ConditionQuotaCheck      = "QuotaCheck"
	ConditionNamespaceReady  = "NamespaceReady"
	ConditionHelmInstalled   = "HelmInstalled"
	ConditionDatabaseReady   = "DatabaseReady"
	ConditionBackendReady    = "BackendReady"
	ConditionStorefrontReady = "StorefrontReady"
	ConditionDriftDetected   = "DriftDetected"
	ConditionHealthCheck     = "HealthCheck"
	ConditionProvisioning    = "Provisioning"
)

// ActivityLogMaxEntries bounds Status.ActivityLog to protect etcd object
// size; entries beyond this are evicted oldest-first.
const ActivityLogMaxEntries = 15

// StoreSpec is the desired state of a Store, owned exclusively by the
// Intent API / the requesting user. The Operator never mutates it.
type StoreSpec struct {
	// Engine selects which e-commerce application stack to provision.
	// +kubebuilder:validation:Required
	Engine StoreEngine `json:"engine"`

	// Owner identifies the tenant this store belongs to, used for quota
	// accounting.
	// +kubebuilder:validation:MaxLength=60
	// +kubebuilder:default:="default"
	Owner string `json:"owner,omitempty"`

	// DomainSuffix is appended to the store name to form the public and
	// admin URLs, e.g. "demo.local.urumi".
	// +kubebuilder:validation:Required
	DomainSuffix string `json:"domainSuffix"`

	// Replicas is the desired replica count for the backend deployment.
	// Used by drift detection to decide whether the running replica count
	// has diverged from intent.
	// +optional
	// +kubebuilder:default:=1
	Replicas *int32 `json:"replicas,omitempty"`
}

// ActivityLogEntry is one append-only entry in a Store's activity trail.
// ID is a generated UUID rather than a slice index so log entries keep a
// stable identity across the truncate-from-the-front eviction in
// AppendActivity.
type ActivityLogEntry struct {
	ID        string      `json:"id,omitempty"`
	Timestamp metav1.Time `json:"timestamp"`
	Event     string      `json:"event"`
	Message   string      `json:"message"`
}

// StoreStatus is the observed state of a Store, owned exclusively by the
// Operator.
type StoreStatus struct {
	// Phase is the coarse lifecycle phase.
	// +optional
	Phase StorePhase `json:"phase,omitempty"`

	// URL is the public storefront URL once the store is Ready.
	// +optional
	URL string `json:"url,omitempty"`

	// AdminURL is the admin console URL once the store is Ready.
	// +optional
	AdminURL string `json:"adminUrl,omitempty"`

	// Message is a short human-readable summary of the current phase,
	// truncated to 200 characters.
	// +optional
	Message string `json:"message,omitempty"`

	// CreatedAt is stamped exactly once, on the first transition out of
	// Pending.
	// +optional
	CreatedAt *metav1.Time `json:"createdAt,omitempty"`

	// LastUpdated is refreshed on every status write.
	// +optional
	LastUpdated *metav1.Time `json:"lastUpdated,omitempty"`

	// RetryCount is the number of consecutive transient-infrastructure
	// failures since the last successful transition to Ready.
	// +optional
	RetryCount int `json:"retryCount,omitempty"`

	// Conditions is the set of granular status conditions, keyed by type.
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`

	// ActivityLog is a bounded, chronologically ordered trail of
	// reconciliation events.
	// +optional
	ActivityLog []ActivityLogEntry `json:"activityLog,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster
// +kubebuilder:printcolumn:name="Engine",type=string,JSONPath=`.spec.engine`
// +kubebuilder:printcolumn:name="Owner",type=string,JSONPath=`.spec.owner`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="URL",type=string,JSONPath=`.status.url`

// Store is the cluster-scoped custom resource representing a single
// provisioned multi-tenant e-commerce storefront.
type Store struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   StoreSpec   `json:"spec,omitempty"`
	Status StoreStatus `json:"status,omitempty"`
}

// Namespace returns the name of the namespace this Store's resources are
// provisioned into: "store-{name}".
func (s *Store) Namespace() string {
	return "store-" + s.Name
}

// ReleaseName returns the packaged-application release name for this
// Store: "store-{name}".
func (s *Store) ReleaseName() string {
	return "store-" + s.Name
}

// +kubebuilder:object:root=true

// StoreList is a list of Store resources.
type StoreList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Store `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Store{}, &StoreList{})
}
