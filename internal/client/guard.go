package client

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrDeniedAddress is returned when deny_private_networks is set and the origin
// resolves to a loopback, private, link-local or unspecified address.
var ErrDeniedAddress = errors.New("destination address not allowed")

// denyPrivateAddress is a net.Dialer Control hook. It runs after DNS
// resolution, so it sees the address actually being dialed.
func denyPrivateAddress(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeniedAddress, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeniedAddress, address)
	}
	if isInternal(ip.Unmap()) {
		return fmt.Errorf("%w: %s", ErrDeniedAddress, ip)
	}
	return nil
}

func isInternal(ip netip.Addr) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified()
}
