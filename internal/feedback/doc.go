// Package feedback defines the core entities of the signal-to-task
// pipeline: raw user signals, the topics they cluster into, the tasks
// spawned from actionable topics, merged fix records, and learned style
// rules. It also owns the shared error taxonomy and the deterministic
// identity hashing that makes signal ingestion idempotent.
//
// The package has no side effects and no external dependencies beyond
// the standard library; every other internal package depends on it.
package feedback
