// Package quota evaluates per-owner and global Store limits. It is
// consulted twice: once by the Intent API at admission (inclusive `>=`
// against MaxStoresPerOwner/MaxStoresGlobal, rejecting before creation)
// and again by the Reconciler on entry (strict `>` against the legacy
// MaxStores ceiling, defense in depth against racing admissions) — the
// two predicates below are named rather than folded into one ambiguous
// comparison.
package quota

import (
	"context"

	storev1 "github.com/urumi-ai/store-operator/api/v1"
)

// Lister is the subset of the Cluster Gateway the Quota Evaluator
// needs, narrowed to one method so this package can be tested without
// a fake Kubernetes client.
type Lister interface {
	ListStores(ctx context.Context) ([]storev1.Store, error)
}

// Evaluator holds the configured thresholds.
type Evaluator struct {
	Lister            Lister
	MaxStores         int
	MaxStoresPerOwner int
	MaxStoresGlobal   int
}

// Verdict carries the raw counts so callers can apply either the
// admission or the reconciler predicate against the same snapshot.
type Verdict struct {
	OwnerCount  int
	GlobalCount int
}

// AdmissionExceeds reports whether a new Store for this owner should be
// rejected at admission time, using the inclusive `>=` bound against
// both the per-owner and global ceilings.
func (v Verdict) AdmissionExceeds(maxPerOwner, maxGlobal int) bool {
	return v.OwnerCount >= maxPerOwner || v.GlobalCount >= maxGlobal
}

// ReconcilerExceeds reports whether the Reconciler's secondary check
// should fail an already-admitted Store. It compares against the
// legacy single MaxStores ceiling with strict `>`, since the Store
// being reconciled is itself already counted in OwnerCount.
func (v Verdict) ReconcilerExceeds(maxStores int) bool {
	return v.OwnerCount > maxStores
}

// Count returns the number of stores owned by owner.
func Count(stores []storev1.Store, owner string) int {
	n := 0
	for _, s := range stores {
		if s.Spec.Owner == owner {
			n++
		}
	}
	return n
}

// Evaluate lists all Stores and computes a Verdict scoped to owner.
func (e *Evaluator) Evaluate(ctx context.Context, owner string) (Verdict, error) {
	stores, err := e.Lister.ListStores(ctx)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{OwnerCount: Count(stores, owner), GlobalCount: len(stores)}, nil
}

// Admitted is sugar over Evaluate + AdmissionExceeds for admission-path
// callers that don't need the raw Verdict.
func (e *Evaluator) Admitted(ctx context.Context, owner string) (bool, error) {
	v, err := e.Evaluate(ctx, owner)
	if err != nil {
		return false, err
	}
	return !v.AdmissionExceeds(e.MaxStoresPerOwner, e.MaxStoresGlobal), nil
}

// ReconcileAllowed is sugar over Evaluate + ReconcilerExceeds for the
// Reconciler's entry-point quota re-check.
func (e *Evaluator) ReconcileAllowed(ctx context.Context, owner string) (bool, error) {
	v, err := e.Evaluate(ctx, owner)
	if err != nil {
		return false, err
	}
	return !v.ReconcilerExceeds(e.MaxStores), nil
}
