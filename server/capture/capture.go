package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/pelletier/go-toml"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xmysql-relay/logger"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// 段文件以8字节魔数开头，随后是连续的帧记录
const segmentMagic = "XRELAY01"

const manifestName = "manifest.toml"

// ManifestVersion is the capture format version written by this package.
const ManifestVersion = 1

// Direction of a captured payload.
const (
	DirCommand  byte = 0x01 // 客户端到服务端
	DirResponse byte = 0x02 // 服务端到客户端
)

// Codec names accepted by NewWriter.
const (
	CodecRaw    = "raw"
	CodecSnappy = "snappy"
	CodecLZ4    = "lz4"
)

// Per-record codec ids inside segment files. Incompressible payloads fall
// back to raw storage whatever the session codec is.
const (
	recordRaw    byte = 0x00
	recordSnappy byte = 0x01
	recordLZ4    byte = 0x02
)

// record frame: direction + nanos + original len + stored len + codec + xxhash64
const recordHeaderLen = 1 + 8 + 4 + 4 + 1 + 8

var ErrChecksum = errors.New("capture record checksum mismatch")

// Record is one captured payload with its direction and capture time.
type Record struct {
	Direction byte
	Time      time.Time
	Payload   []byte
}

// Segment describes one sealed capture file.
type Segment struct {
	Name    string `toml:"name"`
	Records int    `toml:"records"`
	Bytes   int64  `toml:"bytes"`
}

// Manifest describes a capture session. It sits beside the segment files and
// is rewritten whenever a segment is sealed.
type Manifest struct {
	Version   int       `toml:"version"`
	Session   string    `toml:"session"`
	Codec     string    `toml:"codec"`
	StartedAt time.Time `toml:"started_at"`
	SealedAt  time.Time `toml:"sealed_at"`
	Segments  []Segment `toml:"segment"`
}

// Writer appends framed records to rotating segment files. Safe for
// concurrent use by the front and back event loops.
type Writer struct {
	mu sync.Mutex

	dir        string
	codec      string
	rotateSize int64

	manifest Manifest
	seq      int
	file     *os.File
	buf      *bufio.Writer
	written  int64
	records  int
	closed   bool
}

// NewWriter opens a capture session under dir. rotateSize caps a single
// segment in bytes; zero or negative turns rotation off.
func NewWriter(dir, session, codec string, rotateSize int64) (*Writer, error) {
	switch codec {
	case CodecRaw, CodecSnappy, CodecLZ4:
	default:
		return nil, errors.Errorf("capture codec %q not supported", codec)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create capture dir")
	}
	w := &Writer{
		dir:        dir,
		codec:      codec,
		rotateSize: rotateSize,
		manifest: Manifest{
			Version:   ManifestVersion,
			Session:   session,
			Codec:     codec,
			StartedAt: time.Now(),
		},
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	if err := w.writeManifest(); err != nil {
		return nil, err
	}
	logger.Infof("开始抓包, 目录=%s, 编码=%s", dir, codec)
	return w, nil
}

func segmentName(seq int) string {
	return fmt.Sprintf("segment-%06d.cap", seq)
}

func (w *Writer) openSegment() error {
	w.seq++
	name := segmentName(w.seq)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "open capture segment %s", name)
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	if _, err := w.buf.WriteString(segmentMagic); err != nil {
		return errors.Wrap(err, "write segment magic")
	}
	w.written = int64(len(segmentMagic))
	w.records = 0
	return nil
}

// Append captures one payload.
func (w *Writer) Append(direction byte, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("capture writer is closed")
	}

	stored, recCodec := w.encode(payload)
	head := make([]byte, 0, recordHeaderLen)
	head = util.WriteByte(head, direction)
	head = util.WriteUB8(head, uint64(time.Now().UnixNano()))
	head = util.WriteUB4(head, uint32(len(payload)))
	head = util.WriteUB4(head, uint32(len(stored)))
	head = util.WriteByte(head, recCodec)
	head = util.WriteUB8(head, util.HashCode(payload))

	if _, err := w.buf.Write(head); err != nil {
		return errors.Wrap(err, "write capture record")
	}
	if _, err := w.buf.Write(stored); err != nil {
		return errors.Wrap(err, "write capture record")
	}
	w.written += int64(len(head) + len(stored))
	w.records++

	if w.rotateSize > 0 && w.written >= w.rotateSize {
		return w.rotate()
	}
	return nil
}

func (w *Writer) encode(payload []byte) ([]byte, byte) {
	switch w.codec {
	case CodecSnappy:
		stored := snappy.Encode(nil, payload)
		if len(stored) < len(payload) {
			return stored, recordSnappy
		}
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, dst)
		if err == nil && n > 0 && n < len(payload) {
			return dst[:n], recordLZ4
		}
	}
	// 压不动的记录按原样存储
	return payload, recordRaw
}

func (w *Writer) rotate() error {
	if err := w.seal(); err != nil {
		return err
	}
	logger.Debugf("抓包段滚动, 下一段=%s", segmentName(w.seq+1))
	if err := w.openSegment(); err != nil {
		return err
	}
	return w.writeManifest()
}

// seal flushes and closes the active segment and records it in the manifest.
func (w *Writer) seal() error {
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush capture segment")
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "close capture segment")
	}
	w.manifest.Segments = append(w.manifest.Segments, Segment{
		Name:    segmentName(w.seq),
		Records: w.records,
		Bytes:   w.written,
	})
	return nil
}

func (w *Writer) writeManifest() error {
	raw, err := toml.Marshal(w.manifest)
	if err != nil {
		return errors.Wrap(err, "marshal capture manifest")
	}
	if err := os.WriteFile(filepath.Join(w.dir, manifestName), raw, 0644); err != nil {
		return errors.Wrap(err, "write capture manifest")
	}
	return nil
}

// Close seals the active segment and finalizes the manifest.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.seal(); err != nil {
		return err
	}
	w.manifest.SealedAt = time.Now()
	if err := w.writeManifest(); err != nil {
		return err
	}
	logger.Infof("抓包结束, 目录=%s, 段数=%d", w.dir, len(w.manifest.Segments))
	return nil
}
