package protocol

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-relay/server/mysql"
)

func TestDecodeEOF(t *testing.T) {
	t.Run("行块结束包", func(t *testing.T) {
		eof, err := DecodeEOF([]byte{254, 0, 0, 34, 0})
		require.NoError(t, err)
		assert.Equal(t, uint16(0), eof.WarningCount)
		assert.Equal(t, uint16(34), eof.Status)
	})

	t.Run("携带告警数", func(t *testing.T) {
		eof, err := DecodeEOF([]byte{254, 3, 0, 2, 0})
		require.NoError(t, err)
		assert.Equal(t, uint16(3), eof.WarningCount)
		assert.Equal(t, mysql.ServerStatusAutocommit, eof.Status)
	})

	t.Run("载荷不足", func(t *testing.T) {
		_, err := DecodeEOF([]byte{254, 0, 0})
		require.Error(t, err)
		assert.Equal(t, ErrNotEnoughData, errors.Cause(err))
	})

	t.Run("非EOF包", func(t *testing.T) {
		_, err := DecodeEOF([]byte{0, 0, 0, 2, 0})
		require.Error(t, err)
		assert.Equal(t, ErrMalformedPacket, errors.Cause(err))
	})

	t.Run("编码往返", func(t *testing.T) {
		eof, err := DecodeEOF(EncodeEOFPayload(7, mysql.ServerMoreResultsExists|mysql.ServerStatusAutocommit))
		require.NoError(t, err)
		assert.Equal(t, uint16(7), eof.WarningCount)
		assert.True(t, mysql.HasMoreResultsFlag(eof.Status))
	})
}

// 0xfe同时是8字节长度整数的前缀，长度判定是唯一的区分手段
func TestIsEOFPacket(t *testing.T) {
	assert.True(t, IsEOFPacket([]byte{254, 0, 0, 34, 0}))
	assert.True(t, IsEOFPacket([]byte{254, 0, 0, 0, 0, 0, 0, 0}))
	assert.False(t, IsEOFPacket([]byte{254, 0, 0, 0, 0, 0, 0, 0, 0}))
	assert.False(t, IsEOFPacket([]byte{0, 0, 0, 2, 0}))
	assert.False(t, IsEOFPacket(nil))
}

func TestDecodeOK(t *testing.T) {
	t.Run("基础字段", func(t *testing.T) {
		payload := EncodeOKPayload(2, 5, mysql.ServerStatusAutocommit, 1, []byte("Rows matched: 2"))
		ok, err := DecodeOK(payload)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), ok.AffectedRows)
		assert.Equal(t, uint64(5), ok.InsertID)
		assert.Equal(t, mysql.ServerStatusAutocommit, ok.ServerStatus)
		assert.Equal(t, uint16(1), ok.WarningNum)
		assert.Equal(t, []byte("Rows matched: 2"), ok.Info)
	})

	t.Run("多字节行数", func(t *testing.T) {
		ok, err := DecodeOK(EncodeOKPayload(300, 70000, 0, 0, nil))
		require.NoError(t, err)
		assert.Equal(t, uint64(300), ok.AffectedRows)
		assert.Equal(t, uint64(70000), ok.InsertID)
		assert.Nil(t, ok.Info)
	})

	t.Run("状态块不足", func(t *testing.T) {
		_, err := DecodeOK([]byte{0, 1, 1, 2, 0})
		require.Error(t, err)
		assert.Equal(t, ErrNotEnoughData, errors.Cause(err))
	})

	t.Run("非OK包", func(t *testing.T) {
		_, err := DecodeOK([]byte{9, 0, 0, 0, 0, 0, 0})
		require.Error(t, err)
		assert.Equal(t, ErrMalformedPacket, errors.Cause(err))
	})

	t.Run("最小长度判定", func(t *testing.T) {
		assert.True(t, IsOKPacket([]byte{0, 0, 0, 2, 0, 0, 0}))
		assert.False(t, IsOKPacket([]byte{0, 0, 0, 2, 0, 0}))
		assert.False(t, IsOKPacket([]byte{255, 0, 0, 2, 0, 0, 0}))
	})
}

func TestDecodeERR(t *testing.T) {
	t.Run("带sqlstate", func(t *testing.T) {
		payload := []byte{255, 0x7a, 0x04, '#', '4', '2', 'S', '0', '2'}
		payload = append(payload, []byte("Table 'd1.t1' doesn't exist")...)
		ep, err := DecodeERR(payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(1146), ep.ErrorCode)
		assert.Equal(t, "42S02", ep.SQLState)
		assert.Equal(t, "Table 'd1.t1' doesn't exist", ep.Message)
	})

	t.Run("不带sqlstate", func(t *testing.T) {
		ep, err := DecodeERR([]byte{255, 0x28, 0x04, 'm', 's', 'g'})
		require.NoError(t, err)
		assert.Equal(t, uint16(1064), ep.ErrorCode)
		assert.Equal(t, "", ep.SQLState)
		assert.Equal(t, "msg", ep.Message)
	})

	t.Run("编码往返", func(t *testing.T) {
		ep, err := DecodeERR(EncodeERRPayload(1064, "", "syntax error"))
		require.NoError(t, err)
		assert.Equal(t, uint16(1064), ep.ErrorCode)
		assert.Equal(t, string(DefaultSqlstate), ep.SQLState)
		assert.Equal(t, "syntax error", ep.Message)
	})

	t.Run("sqlstate块被截断", func(t *testing.T) {
		_, err := DecodeERR([]byte{255, 1, 0, '#', '4', '2'})
		require.Error(t, err)
		assert.Equal(t, ErrNotEnoughData, errors.Cause(err))
	})

	t.Run("载荷不足", func(t *testing.T) {
		_, err := DecodeERR([]byte{255, 1})
		require.Error(t, err)
		assert.Equal(t, ErrNotEnoughData, errors.Cause(err))
	})

	t.Run("非ERR包", func(t *testing.T) {
		_, err := DecodeERR([]byte{0, 1, 0})
		require.Error(t, err)
		assert.Equal(t, ErrMalformedPacket, errors.Cause(err))
	})
}
