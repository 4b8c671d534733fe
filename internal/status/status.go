// Package status holds pure, I/O-free helpers that assemble Store status
// patches: condition upsert, activity-log ring buffer maintenance, and
// timestamp formatting. Nothing here talks to the cluster — the
// Reconciler is the only writer of Store.Status.
package status

import (
	"strings"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/meta"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
)

// messageMaxLen truncates user-visible status messages per spec.
const messageMaxLen = 200

// Now returns the current time truncated to second precision, in UTC,
// wrapped as a metav1.Time — the precision Kubernetes condition timestamps
// use.
func Now() metav1.Time {
	return metav1.NewTime(time.Now().UTC().Truncate(time.Second))
}

// UpsertCondition updates conditions in place by Type, or appends a new
// entry if no condition of that type exists yet. LastTransitionTime is
// refreshed on every call regardless of whether status/reason/message
// actually changed — this preserves the source operator's behavior rather
// than the stricter Kubernetes convention of only updating it on a real
// transition (see DESIGN.md open question #1).
func UpsertCondition(conditions *[]metav1.Condition, conditionType string, condStatus metav1.ConditionStatus, reason, message string) {
	now := Now()
	if existing := meta.FindStatusCondition(*conditions, conditionType); existing != nil {
		existing.Status = condStatus
		existing.Reason = reason
		existing.Message = Truncate(message, messageMaxLen)
		existing.LastTransitionTime = now
		return
	}
	*conditions = append(*conditions, metav1.Condition{
		Type:               conditionType,
		Status:             condStatus,
		Reason:             reason,
		Message:            Truncate(message, messageMaxLen),
		LastTransitionTime: now,
	})
}

// AppendActivity appends a new entry to log and evicts from the front
// until len(log) <= ActivityLogMaxEntries.
func AppendActivity(log []storev1.ActivityLogEntry, event, message string) []storev1.ActivityLogEntry {
	log = append(log, storev1.ActivityLogEntry{
		ID:        uuid.NewString(),
		Timestamp: Now(),
		Event:     event,
		Message:   message,
	})
	if over := len(log) - storev1.ActivityLogMaxEntries; over > 0 {
		log = log[over:]
	}
	return log
}

// Truncate shortens s to at most n characters, matching the "message
// truncated to 200 chars" user-visible-behavior requirement.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
