package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
)

func TestUpsertCondition_AppendsNew(t *testing.T) {
	var conditions []metav1.Condition
	UpsertCondition(&conditions, storev1.ConditionNamespaceReady, metav1.ConditionTrue, "Created", "namespace exists")

	require.Len(t, conditions, 1)
	assert.Equal(t, storev1.ConditionNamespaceReady, conditions[0].Type)
	assert.Equal(t, metav1.ConditionTrue, conditions[0].Status)
}

func TestUpsertCondition_UpdatesInPlace(t *testing.T) {
	var conditions []metav1.Condition
	UpsertCondition(&conditions, storev1.ConditionDatabaseReady, metav1.ConditionFalse, "NotReady", "waiting")
	first := conditions[0].LastTransitionTime

	UpsertCondition(&conditions, storev1.ConditionDatabaseReady, metav1.ConditionTrue, "Running", "ready")

	require.Len(t, conditions, 1, "upsert must not duplicate by type")
	assert.Equal(t, metav1.ConditionTrue, conditions[0].Status)
	assert.Equal(t, "Running", conditions[0].Reason)
	assert.True(t, conditions[0].LastTransitionTime.Time.Compare(first.Time) >= 0)
}

func TestUpsertCondition_UniqueByType(t *testing.T) {
	var conditions []metav1.Condition
	UpsertCondition(&conditions, storev1.ConditionNamespaceReady, metav1.ConditionTrue, "Created", "ok")
	UpsertCondition(&conditions, storev1.ConditionHelmInstalled, metav1.ConditionTrue, "Installed", "ok")
	UpsertCondition(&conditions, storev1.ConditionNamespaceReady, metav1.ConditionTrue, "Created", "still ok")

	seen := map[string]bool{}
	for _, c := range conditions {
		assert.False(t, seen[c.Type], "duplicate condition type %s", c.Type)
		seen[c.Type] = true
	}
	assert.Len(t, conditions, 2)
}

func TestAppendActivity_EvictsOldest(t *testing.T) {
	var log []storev1.ActivityLogEntry
	for i := 0; i < storev1.ActivityLogMaxEntries; i++ {
		log = AppendActivity(log, "EVENT", "filling")
	}
	require.Len(t, log, storev1.ActivityLogMaxEntries)

	log = AppendActivity(log, "OVERFLOW", "one too many")

	assert.Len(t, log, storev1.ActivityLogMaxEntries)
	assert.Equal(t, "OVERFLOW", log[len(log)-1].Event)
}

func TestAppendActivity_NonDecreasingTimestamps(t *testing.T) {
	var log []storev1.ActivityLogEntry
	log = AppendActivity(log, "A", "first")
	log = AppendActivity(log, "B", "second")

	require.Len(t, log, 2)
	assert.True(t, log[1].Timestamp.Time.Compare(log[0].Timestamp.Time) >= 0)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 200))
	assert.Len(t, Truncate(string(make([]byte, 500)), 200), 200)
}
