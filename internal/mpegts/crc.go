package mpegts

// MPEG-2 CRC32 with polynomial 0x04C11DB7, and the CRC-16-CCITT that ARIB
// STD-B24 appends to caption data groups.
var (
	crc32Table [256]uint32
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		crc16 := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc16&0x8000 != 0 {
				crc16 = crc16<<1 ^ 0x1021
			} else {
				crc16 <<= 1
			}
		}
		crc16Table[i] = crc16

		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC over data. A section whose trailing
// CRC_32 field is correct yields zero when the CRC is computed over the
// whole section.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// AppendCRC32 appends the big-endian CRC of data to data.
func AppendCRC32(data []byte) []byte {
	c := CRC32(data)
	return append(data, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
}

// CRC16 computes CRC-16-CCITT with initial value 0. A data group followed
// by its CRC_16 field yields zero.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// AppendCRC16 appends the big-endian CRC16 of data to data.
func AppendCRC16(data []byte) []byte {
	c := CRC16(data)
	return append(data, byte(c>>8), byte(c))
}
