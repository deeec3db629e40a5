package util

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return append(buf, byte(i), byte(i>>8))
}

func WriteUB3(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16))
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func WriteUB8(buf []byte, i uint64) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}

// GetLength reports how many bytes WriteLength emits for the given value.
func GetLength(length uint64) int {
	switch {
	case length < 0xfb:
		return 1
	case length < 1<<16:
		return 3
	case length < 1<<24:
		return 4
	default:
		return 9
	}
}

// WriteLength appends a length-encoded integer. Values from 0xfb up take the
// prefixed forms; 0xfb itself is reserved on the wire for NULL.
func WriteLength(buf []byte, length uint64) []byte {
	switch {
	case length < 0xfb:
		return append(buf, byte(length))
	case length < 1<<16:
		buf = append(buf, 0xfc)
		return WriteUB2(buf, uint16(length))
	case length < 1<<24:
		buf = append(buf, 0xfd)
		return WriteUB3(buf, uint32(length))
	default:
		buf = append(buf, 0xfe)
		return WriteUB8(buf, length)
	}
}

func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteLength(buf, uint64(len(from)))
	return append(buf, from...)
}
