package net

// maxAliases is the number of secondary addresses an Interface can carry.
const maxAliases = 4

// Interface holds the IPv4 configuration of the network interface. It is
// shared by the layers of the stack and updated by the DHCP client.
type Interface struct {
	// Addr is the primary address. It is zero until the interface has
	// been configured.
	Addr    IPv4Addr
	Netmask IPv4Addr
	Gateway IPv4Addr
	DNS     IPv4Addr

	aliases    [maxAliases]IPv4Addr
	numAliases int
}

// Configure sets the primary address, the netmask, the default gateway and
// the name server of the interface.
func (i *Interface) Configure(addr, netmask, gateway, dns IPv4Addr) {
	i.Addr = addr
	i.Netmask = netmask
	i.Gateway = gateway
	i.DNS = dns
}

// Configured returns true once a primary address has been assigned.
func (i *Interface) Configured() bool {
	return !i.Addr.IsZero()
}

// AddAlias assigns a secondary address to the interface. It returns false
// if the alias table is full.
func (i *Interface) AddAlias(addr IPv4Addr) bool {
	if i.IsLocal(addr) {
		return true
	}

	if i.numAliases == maxAliases {
		return false
	}

	i.aliases[i.numAliases] = addr
	i.numAliases++
	return true
}

// Aliases returns the secondary addresses of the interface.
func (i *Interface) Aliases() []IPv4Addr {
	return i.aliases[:i.numAliases]
}

// IsLocal returns true if addr is assigned to the interface.
func (i *Interface) IsLocal(addr IPv4Addr) bool {
	if addr.IsZero() {
		return false
	}

	if addr == i.Addr {
		return true
	}

	for _, alias := range i.Aliases() {
		if alias == addr {
			return true
		}
	}
	return false
}

// IsBroadcast returns true for the limited broadcast address and for the
// directed broadcast address of the attached subnet.
func (i *Interface) IsBroadcast(addr IPv4Addr) bool {
	if addr == IPv4Broadcast {
		return true
	}

	if !i.Configured() || i.Netmask.IsZero() {
		return false
	}

	hostMask := ^i.Netmask.Uint32()
	return addr.SameSubnet(i.Addr, i.Netmask) && addr.Uint32()&hostMask == hostMask
}

// NextHop returns the address that frames destined to dst must be sent
// to. Destinations on the attached subnet are reached directly; everything
// else goes through the gateway.
func (i *Interface) NextHop(dst IPv4Addr) IPv4Addr {
	if i.IsBroadcast(dst) || i.Gateway.IsZero() || dst.SameSubnet(i.Addr, i.Netmask) {
		return dst
	}
	return i.Gateway
}
