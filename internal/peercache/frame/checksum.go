package frame

import "github.com/julianstephens/go-utils/checksum"

// ComputeChecksum computes the CRC32-C checksum with the Castagnoli polynomial for the given data.
func ComputeChecksum(data []byte) uint32 {
	return checksum.CRC32C(data)
}

// VerifyChecksum verifies the checksum of f, calculated over the kind and payload.
func VerifyChecksum(f *Frame) bool {
	if f == nil {
		return false
	}

	data := make([]byte, KindSize+len(f.Payload))
	data[0] = byte(f.Kind)
	copy(data[KindSize:], f.Payload)

	return checksum.VerifyCRC32C(data, f.CRC)
}
