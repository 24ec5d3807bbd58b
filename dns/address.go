package dns

import (
	"net/netip"
	"strings"
)

// NormalizeIPv4 validates a dotted-quad IPv4 address and returns its
// canonical form, which is what the cache is keyed on.
func NormalizeIPv4(address string) (string, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil || !ip.Is4() {
		return "", ErrInvalidAddress
	}
	return ip.String(), nil
}
