package sdo

import "unsafe"

var hostEndianProbe uint16 = 1

// hostBigEndian reports whether the host stores multi-byte integers big
// endian. OD values are kept in host byte order, the SDO wire format is
// little endian, so multi-byte values need a swap on big endian hosts.
var hostBigEndian = *(*byte)(unsafe.Pointer(&hostEndianProbe)) == 0

// reverseBytes swaps a buffer in place
func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
