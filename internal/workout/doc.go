// Package workout implements the live workout session engine: the session
// lifecycle, reconciliation of local optimistic state with the remote change
// feed, the per-set completion state machine and the focus coordinator.
//
// One Engine runs per device. All mutations of its session tree happen under
// a single lock and are tagged with an Origin; remote changes reach the tree
// only through the change-feed inbox.
package workout
