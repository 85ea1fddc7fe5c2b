package sock

import (
	"encoding/binary"
	"fmt"
	"net"
)

// FromNetIP converts an IPv4 address to its numeric host-order form
// (a.b.c.d -> a<<24|b<<16|c<<8|d). Returns 0 for nil or non-IPv4 input.
func FromNetIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// ToNetIP converts a numeric IPv4 address back to net.IP.
func ToNetIP(ip uint32) net.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// ParseIP parses a dotted-quad IPv4 string into numeric form.
func ParseIP(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("invalid IPv4 address: %q", s)
	}
	return FromNetIP(ip), nil
}

// FormatIP renders a numeric IPv4 address as a dotted quad.
func FormatIP(ip uint32) string {
	return ToNetIP(ip).String()
}

// IsMulticast reports whether ip falls in the IPv4 multicast range.
func IsMulticast(ip uint32) bool {
	return ip>>28 == 0xE
}
