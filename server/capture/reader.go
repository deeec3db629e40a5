package capture

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/pelletier/go-toml"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xmysql-relay/util"
)

// Reader walks the segment files of a capture session in order and yields
// checksum-verified records.
type Reader struct {
	dir      string
	manifest Manifest
	segments []string
	index    int
	file     *os.File
	buf      *bufio.Reader
}

// Open reads the manifest of a capture session. The segment list comes from
// the directory itself so an unsealed session is still readable.
func Open(dir string) (*Reader, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, errors.Wrap(err, "read capture manifest")
	}
	var m Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "parse capture manifest")
	}
	if m.Version != ManifestVersion {
		return nil, errors.Errorf("capture manifest version %d not supported", m.Version)
	}
	segments, err := filepath.Glob(filepath.Join(dir, "segment-*.cap"))
	if err != nil {
		return nil, errors.Wrap(err, "list capture segments")
	}
	sort.Strings(segments)
	return &Reader{dir: dir, manifest: m, segments: segments}, nil
}

// Manifest returns the session metadata.
func (r *Reader) Manifest() Manifest {
	return r.manifest
}

// Next returns the next record, or io.EOF after the last one. A truncated or
// corrupted record is an error, never a silent end.
func (r *Reader) Next() (*Record, error) {
	for {
		if r.file == nil {
			if r.index >= len(r.segments) {
				return nil, io.EOF
			}
			if err := r.openSegment(r.segments[r.index]); err != nil {
				return nil, err
			}
		}
		record, err := r.readRecord()
		if err == io.EOF {
			// 当前段读完，换下一段
			r.file.Close()
			r.file = nil
			r.index++
			continue
		}
		if err != nil {
			return nil, err
		}
		return record, nil
	}
}

func (r *Reader) openSegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open capture segment %s", filepath.Base(path))
	}
	buf := bufio.NewReaderSize(f, 64*1024)
	magic := make([]byte, len(segmentMagic))
	if _, err := io.ReadFull(buf, magic); err != nil {
		f.Close()
		return errors.Wrapf(err, "read magic of segment %s", filepath.Base(path))
	}
	if string(magic) != segmentMagic {
		f.Close()
		return errors.Errorf("segment %s has wrong magic %q", filepath.Base(path), magic)
	}
	r.file = f
	r.buf = buf
	return nil
}

func (r *Reader) readRecord() (*Record, error) {
	head := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r.buf, head); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read capture record header")
	}

	cursor, direction := util.ReadByte(head, 0)
	cursor, nanos := util.ReadUB8(head, cursor)
	cursor, originalLen := util.ReadUB4(head, cursor)
	cursor, storedLen := util.ReadUB4(head, cursor)
	cursor, recCodec := util.ReadByte(head, cursor)
	_, checksum := util.ReadUB8(head, cursor)

	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(r.buf, stored); err != nil {
		return nil, errors.Wrap(err, "read capture record body")
	}
	payload, err := decodeStored(stored, int(originalLen), recCodec)
	if err != nil {
		return nil, err
	}
	if util.HashCode(payload) != checksum {
		return nil, errors.WithStack(ErrChecksum)
	}
	return &Record{
		Direction: direction,
		Time:      time.Unix(0, int64(nanos)),
		Payload:   payload,
	}, nil
}

func decodeStored(stored []byte, originalLen int, recCodec byte) ([]byte, error) {
	switch recCodec {
	case recordRaw:
		if len(stored) != originalLen {
			return nil, errors.Errorf("raw record wants %d bytes, has %d", originalLen, len(stored))
		}
		return stored, nil
	case recordSnappy:
		payload, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, errors.Wrap(err, "snappy decode")
		}
		if len(payload) != originalLen {
			return nil, errors.Errorf("snappy record wants %d bytes, has %d", originalLen, len(payload))
		}
		return payload, nil
	case recordLZ4:
		payload := make([]byte, originalLen)
		n, err := lz4.UncompressBlock(stored, payload)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decode")
		}
		if n != originalLen {
			return nil, errors.Errorf("lz4 record wants %d bytes, has %d", originalLen, n)
		}
		return payload, nil
	default:
		return nil, errors.Errorf("record codec 0x%02x not supported", recCodec)
	}
}

// Close releases the active segment file.
func (r *Reader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
