package protocol

import "errors"

var (
	// ErrNotEnoughData 载荷比自身声明的长度短
	ErrNotEnoughData = errors.New("row stream is not enough")
	// ErrMalformedPacket 载荷格式与协议不符
	ErrMalformedPacket = errors.New("packet payload is malformed")
	// ErrUnsupportedType 列类型没有已知的长度规则
	ErrUnsupportedType = errors.New("column type has no size rule")
	// ErrColumnOutOfRange 列下标超出行的列数
	ErrColumnOutOfRange = errors.New("column index is out of range")
)
