package gemini

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"8.8.8.8", true},
		{"2606:4700:4700::1111", true},
		{"127.0.0.1", false},
		{"::1", false},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"fe80::1", false},
		{"fd00::1", false},
		{"100.64.0.1", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
		{"::ffff:127.0.0.1", false},
	}

	for _, tc := range tests {
		t.Run(tc.addr, func(t *testing.T) {
			assert.Equal(t, tc.want, isPublic(netip.MustParseAddr(tc.addr)))
		})
	}
}

func TestPublicOnly(t *testing.T) {
	t.Parallel()

	assert.NoError(t, publicOnly("tcp4", "93.184.216.34:443", nil))
	assert.ErrorIs(t, publicOnly("tcp4", "127.0.0.1:80", nil), errBlockedAddress)
	assert.ErrorIs(t, publicOnly("tcp6", "[fe80::1]:80", nil), errBlockedAddress)
	assert.ErrorIs(t, publicOnly("tcp", "not-an-address", nil), errBlockedAddress)
}
