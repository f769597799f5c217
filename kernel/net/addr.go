// Package net contains the address types and helpers shared by the layers of
// the network stack.
package net

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shiiinji/wasabi/kernel"
)

// HardwareAddr is an Ethernet MAC address.
type HardwareAddr [6]byte

// BroadcastHardwareAddr is the Ethernet broadcast address.
var BroadcastHardwareAddr = HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String implements fmt.Stringer for HardwareAddr.
func (a HardwareAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero returns true for the all-zero address.
func (a HardwareAddr) IsZero() bool {
	return a == HardwareAddr{}
}

// IPv4Addr is an IPv4 address in network byte order.
type IPv4Addr [4]byte

var (
	// IPv4Zero is the unspecified address 0.0.0.0.
	IPv4Zero = IPv4Addr{}

	// IPv4Broadcast is the limited broadcast address 255.255.255.255.
	IPv4Broadcast = IPv4Addr{255, 255, 255, 255}

	errBadHardwareAddr = &kernel.Error{Module: "net", Message: "malformed hardware address"}
	errBadIPv4Addr     = &kernel.Error{Module: "net", Message: "malformed IPv4 address"}
)

// String implements fmt.Stringer for IPv4Addr.
func (a IPv4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Uint32 returns the address as a host-order integer.
func (a IPv4Addr) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// IPv4FromUint32 converts a host-order integer into an address.
func IPv4FromUint32(v uint32) IPv4Addr {
	return IPv4Addr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Mask applies netmask to the address and returns the network prefix.
func (a IPv4Addr) Mask(netmask IPv4Addr) IPv4Addr {
	return IPv4FromUint32(a.Uint32() & netmask.Uint32())
}

// SameSubnet returns true if a and b share the network prefix described by
// netmask.
func (a IPv4Addr) SameSubnet(b, netmask IPv4Addr) bool {
	return a.Mask(netmask) == b.Mask(netmask)
}

// IsZero returns true for 0.0.0.0.
func (a IPv4Addr) IsZero() bool {
	return a == IPv4Zero
}

// ParseIPv4 parses an address in dotted decimal notation.
func ParseIPv4(s string) (IPv4Addr, *kernel.Error) {
	var addr IPv4Addr

	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return addr, errBadIPv4Addr
	}

	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return IPv4Zero, errBadIPv4Addr
		}
		addr[i] = byte(v)
	}

	return addr, nil
}

// ParseHardwareAddr parses a MAC address in colon separated hex notation.
func ParseHardwareAddr(s string) (HardwareAddr, *kernel.Error) {
	var addr HardwareAddr

	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, errBadHardwareAddr
	}

	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil || len(part) != 2 {
			return HardwareAddr{}, errBadHardwareAddr
		}
		addr[i] = byte(v)
	}

	return addr, nil
}
