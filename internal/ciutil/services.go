package ciutil

import (
	"testing"
)

// TestDatabaseURL returns the PostgreSQL URL for integration tests, or "".
func TestDatabaseURL() string {
	return GetEnvWithFallbacks([]string{EnvTestDatabaseURL, EnvDatabaseURL}, "", nil)
}

// TestRedisAddr returns the address of a real Redis for integration tests, or "".
func TestRedisAddr() string {
	return GetEnvWithFallbacks([]string{EnvTestRedisAddr, EnvRedisAddr}, "", nil)
}

// RequireService returns value when it is set. Otherwise it skips t, or
// fails it when ServicesRequired is true.
func RequireService(t testing.TB, name, value string) string {
	t.Helper()
	if value != "" {
		return value
	}
	if ServicesRequired() {
		t.Fatalf("%s is required in CI but not configured", name)
	}
	t.Skipf("%s not configured", name)
	return ""
}
