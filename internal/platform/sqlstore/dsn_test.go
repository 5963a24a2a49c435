package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"plain path", "/var/lib/genqueue/jobs.db", "/var/lib/genqueue/jobs.db?_busy_timeout=5000"},
		{"uri with params", "file:jobs.db?_foreign_keys=on", "file:jobs.db?_foreign_keys=on&_busy_timeout=5000"},
		{"busy timeout kept", "file:jobs.db?_busy_timeout=100", "file:jobs.db?_busy_timeout=100"},
		{"timeout alias kept", "file:jobs.db?_timeout=100", "file:jobs.db?_timeout=100"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sqliteDSN(tc.dsn))
		})
	}
}
