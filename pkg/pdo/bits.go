package pdo

// ExtractUint64 assembles bitLength bits (1-64), least-significant bit
// first, starting at bitOffset within payload. Bits past the end of
// payload are treated as zero, per spec.md §4.8.
func ExtractUint64(payload []byte, bitOffset uint16, bitLength uint8) uint64 {
	var v uint64
	for i := uint8(0); i < bitLength; i++ {
		bitIndex := int(bitOffset) + int(i)
		byteIndex := bitIndex / 8
		bitInByte := uint(bitIndex % 8)
		if byteIndex >= len(payload) {
			continue
		}
		bit := uint64((payload[byteIndex] >> bitInByte) & 0x01)
		v |= bit << i
	}
	return v
}

// ExtractInt64 is ExtractUint64 with sign extension when bitLength < 64
// and the top extracted bit is set.
func ExtractInt64(payload []byte, bitOffset uint16, bitLength uint8) int64 {
	v := ExtractUint64(payload, bitOffset, bitLength)
	if bitLength < 64 && bitLength > 0 && v&(1<<(bitLength-1)) != 0 {
		v |= ^uint64(0) << bitLength
	}
	return int64(v)
}

// ExtractBool is true iff the extracted bits are non-zero.
func ExtractBool(payload []byte, bitOffset uint16, bitLength uint8) bool {
	return ExtractUint64(payload, bitOffset, bitLength) != 0
}

func ExtractUint8(payload []byte, bitOffset uint16, bitLength uint8) uint8 {
	return uint8(ExtractUint64(payload, bitOffset, bitLength))
}

func ExtractUint16(payload []byte, bitOffset uint16, bitLength uint8) uint16 {
	return uint16(ExtractUint64(payload, bitOffset, bitLength))
}

func ExtractUint32(payload []byte, bitOffset uint16, bitLength uint8) uint32 {
	return uint32(ExtractUint64(payload, bitOffset, bitLength))
}

func ExtractInt8(payload []byte, bitOffset uint16, bitLength uint8) int8 {
	return int8(ExtractInt64(payload, bitOffset, bitLength))
}

func ExtractInt16(payload []byte, bitOffset uint16, bitLength uint8) int16 {
	return int16(ExtractInt64(payload, bitOffset, bitLength))
}

func ExtractInt32(payload []byte, bitOffset uint16, bitLength uint8) int32 {
	return int32(ExtractInt64(payload, bitOffset, bitLength))
}
