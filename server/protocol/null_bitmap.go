package protocol

// NullBitmap 二进制协议行的NULL位图。前两个bit位保留不用，列i对应bit位i+2。
type NullBitmap []byte

// NullBitmapSize returns the bitmap byte length for a column count.
func NullBitmapSize(columns int) int {
	return (columns + 9) / 8
}

// IsNull reports whether the column at index carries SQL NULL.
func (nb NullBitmap) IsNull(column int) bool {
	idx := column + 2
	return nb[idx/8]&(1<<uint(idx%8)) != 0
}

// SetNull marks the column at index as SQL NULL.
func (nb NullBitmap) SetNull(column int) {
	idx := column + 2
	nb[idx/8] |= 1 << uint(idx%8)
}
