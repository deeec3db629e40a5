package protocol

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
)

func TestDecodePacket(t *testing.T) {
	t.Run("完整报文", func(t *testing.T) {
		stream := []byte{0x03, 0x00, 0x00, 0x02, 'a', 'b', 'c', 0xee}
		pkt, consumed, err := DecodePacket(stream, 0)
		require.NoError(t, err)
		assert.Equal(t, 7, consumed)
		assert.Equal(t, byte(0x02), pkt.Seq)
		assert.Equal(t, []byte("abc"), pkt.Payload)
		assert.False(t, pkt.Split())
	})

	t.Run("空载荷报文", func(t *testing.T) {
		pkt, consumed, err := DecodePacket([]byte{0x00, 0x00, 0x00, 0x05}, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, consumed)
		assert.Equal(t, byte(0x05), pkt.Seq)
		assert.Empty(t, pkt.Payload)
	})

	t.Run("载荷与来源缓冲区脱钩", func(t *testing.T) {
		stream := []byte{0x02, 0x00, 0x00, 0x00, 'o', 'k'}
		pkt, _, err := DecodePacket(stream, 0)
		require.NoError(t, err)
		stream[4] = 'x'
		assert.Equal(t, []byte("ok"), pkt.Payload)
	})

	t.Run("流不完整", func(t *testing.T) {
		for _, stream := range [][]byte{
			nil,
			{0x03},
			{0x03, 0x00, 0x00},
			{0x03, 0x00, 0x00, 0x00},
			{0x03, 0x00, 0x00, 0x00, 'a', 'b'},
		} {
			pkt, consumed, err := DecodePacket(stream, 0)
			require.Error(t, err, "stream %v", stream)
			assert.Equal(t, ErrNotEnoughStream, errors.Cause(err))
			assert.Nil(t, pkt)
			assert.Equal(t, 0, consumed)
		}
	})

	t.Run("超过上限", func(t *testing.T) {
		stream := []byte{0xff, 0xff, 0xff, 0x00}
		_, _, err := DecodePacket(stream, 1024)
		require.Error(t, err)
		assert.Equal(t, ErrTooLargePackage, errors.Cause(err))
	})

	t.Run("上限为零不做限制", func(t *testing.T) {
		stream := append([]byte{0x00, 0x08, 0x00, 0x01}, make([]byte, 0x0800)...)
		pkt, consumed, err := DecodePacket(stream, 0)
		require.NoError(t, err)
		assert.Equal(t, len(stream), consumed)
		assert.Len(t, pkt.Payload, 0x0800)
	})
}

func TestEncodePacket(t *testing.T) {
	buff := EncodePacket(nil, 1, []byte{0x03, 's', 'e', 'l'})
	assert.Equal(t, []byte{0x04, 0x00, 0x00, 0x01, 0x03, 's', 'e', 'l'}, buff)

	pkt, consumed, err := DecodePacket(buff, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buff), consumed)
	assert.Equal(t, byte(1), pkt.Seq)
}

func TestEncodePayload(t *testing.T) {
	t.Run("短载荷单报文", func(t *testing.T) {
		buff, next := EncodePayload(nil, 0, []byte("ping"))
		assert.Equal(t, byte(1), next)

		pkt, consumed, err := DecodePacket(buff, 0)
		require.NoError(t, err)
		assert.Equal(t, len(buff), consumed)
		assert.Equal(t, []byte("ping"), pkt.Payload)
	})

	t.Run("跨16MB边界切分", func(t *testing.T) {
		payload := make([]byte, mysql.MaxPayloadLen+2)
		payload[0] = 0xaa
		payload[len(payload)-1] = 0xbb

		buff, next := EncodePayload(nil, 3, payload)
		assert.Equal(t, byte(5), next)

		first, consumed, err := DecodePacket(buff, 0)
		require.NoError(t, err)
		assert.True(t, first.Split())
		assert.Equal(t, byte(3), first.Seq)
		assert.Equal(t, byte(0xaa), first.Payload[0])

		second, rest, err := DecodePacket(buff[consumed:], 0)
		require.NoError(t, err)
		assert.Equal(t, len(buff), consumed+rest)
		assert.Equal(t, byte(4), second.Seq)
		assert.Equal(t, []byte{0x00, 0xbb}, second.Payload)
	})

	t.Run("整倍数载荷补空报文", func(t *testing.T) {
		payload := make([]byte, mysql.MaxPayloadLen)
		buff, next := EncodePayload(nil, 0, payload)
		assert.Equal(t, byte(2), next)

		first, consumed, err := DecodePacket(buff, 0)
		require.NoError(t, err)
		assert.True(t, first.Split())

		second, rest, err := DecodePacket(buff[consumed:], 0)
		require.NoError(t, err)
		assert.Equal(t, len(buff), consumed+rest)
		assert.Empty(t, second.Payload)
		assert.False(t, second.Split())
	})
}
