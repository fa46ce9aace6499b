// Package workflow drives the iteration state machine on Temporal.
//
// IterationWorkflow owns the iteration lease for its whole run, fencing every
// stage activity with its run id. It turns orchestrator commands into
// activities on per-stage task queues and feeds each completion back to the
// machine. It never polls: it blocks on a selector over outstanding activity
// futures and the lease renewal timer.
//
// Stage activities run with a single attempt. A failed stage fails the
// iteration and is left for manual inspection.
package workflow
