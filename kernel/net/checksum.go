package net

// Checksum computes the Internet checksum (RFC 1071) of the concatenation
// of the supplied byte slices. Every slice except the last one must have an
// even length.
func Checksum(initial uint32, data ...[]byte) uint16 {
	sum := initial
	for _, b := range data {
		sum = checksumAdd(sum, b)
	}

	return ^foldChecksum(sum)
}

// PseudoHeaderSum returns the partial checksum of the IPv4 pseudo-header used
// by TCP and UDP.
func PseudoHeaderSum(src, dst IPv4Addr, proto uint8, length int) uint32 {
	var sum uint32
	sum = checksumAdd(sum, src[:])
	sum = checksumAdd(sum, dst[:])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

func checksumAdd(sum uint32, b []byte) uint32 {
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}

	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}

	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}
