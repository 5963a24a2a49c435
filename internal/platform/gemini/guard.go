package gemini

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// errBlockedAddress is returned when an input file URL resolves to an address
// the worker must not reach.
var errBlockedAddress = errors.New("address not allowed")

// sharedAddressSpace is the carrier-grade NAT range, RFC 6598.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// newFileClient returns the client used to download input files. Unless
// allowPrivate is set, it only connects to public unicast addresses. The
// check runs on the resolved address of every connection, redirects
// included.
func newFileClient(timeout time.Duration, allowPrivate bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		transport.Proxy = nil
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   publicOnly,
		}
		transport.DialContext = dialer.DialContext
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", errBlockedAddress, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !isPublic(ip) {
		return fmt.Errorf("%w: %s", errBlockedAddress, host)
	}
	return nil
}

// isPublic reports whether ip is a globally routable unicast address.
func isPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(),
		ip.IsUnspecified(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast(),
		sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}
