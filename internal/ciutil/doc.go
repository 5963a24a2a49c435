// Package ciutil detects the execution environment (CI or local) and locates
// the external services integration tests may run against.
//
// Store tests use it to decide whether a real PostgreSQL or Redis is
// available. Outside CI a missing service skips those tests; in CI with
// GENQUEUE_REQUIRE_SERVICES set, a missing service fails them instead.
package ciutil
