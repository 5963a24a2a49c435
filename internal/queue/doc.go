// Package queue implements the asynchronous job pipeline behind the AI task
// endpoints. An Engine accepts typed job payloads, persists them through a
// Store, runs them on a bounded pool of workers, retries failures with
// exponential backoff, recovers jobs abandoned by crashed workers, and
// publishes an event whenever a job reaches a terminal state.
//
// All coordination between workers, including workers in other processes,
// goes through the Store's atomic claim and compare-and-set transition
// operations. No in-memory state of an Engine is authoritative.
package queue
