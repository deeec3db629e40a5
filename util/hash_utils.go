package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 计算字节序列的xxhash64校验值
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}
