package ciutil

import (
	"log/slog"
	"os"
	"strings"

	"github.com/phrazzld/genqueue/internal/redact"
)

// Environment variables read by this package.
const (
	// CI environment detection variables
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"
	EnvJenkinsURL    = "JENKINS_URL"
	EnvCircleCI      = "CIRCLECI"

	// EnvRequireServices makes missing test services an error rather than a skip.
	EnvRequireServices = "GENQUEUE_REQUIRE_SERVICES"

	// Test service locations, preferred name first
	EnvTestDatabaseURL = "GENQUEUE_TEST_DATABASE_URL"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvTestRedisAddr   = "GENQUEUE_TEST_REDIS_ADDR"
	EnvRedisAddr       = "REDIS_ADDR"
)

// IsCI returns true if the current environment is a CI environment.
// It checks for common CI environment variables across different CI providers.
func IsCI() bool {
	return os.Getenv(EnvCI) != "" ||
		os.Getenv(EnvGitHubActions) != "" ||
		os.Getenv(EnvGitLabCI) != "" ||
		os.Getenv(EnvJenkinsURL) != "" ||
		os.Getenv(EnvCircleCI) != ""
}

// ServicesRequired reports whether tests must fail when an external service
// is not configured.
func ServicesRequired() bool {
	if !IsCI() {
		return false
	}
	switch strings.ToLower(os.Getenv(EnvRequireServices)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// GetEnvWithFallbacks returns the value of the first non-empty environment variable
// from the provided list. If no environment variables are set, it returns the defaultValue.
// Values found under a non-preferred name are logged, redacted, at warn level.
func GetEnvWithFallbacks(envVars []string, defaultValue string, logger *slog.Logger) string {
	for i, envVar := range envVars {
		if val := os.Getenv(envVar); val != "" {
			if i > 0 && logger != nil {
				logger.Warn("using fallback environment variable",
					"used_var", envVar,
					"preferred_var", envVars[0],
					"value", redact.String(val),
				)
			}
			return val
		}
	}
	return defaultValue
}
