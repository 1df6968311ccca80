// Package history persists probe run outcomes and stop verdicts to SQLite.
//
// The store is append-mostly: one row per firing, one row per scheduler
// stop. Old rows are pruned opportunistically so long-running daemons don't
// grow the database without bound.
package history
