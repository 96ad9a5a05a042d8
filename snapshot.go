// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chainmap

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"
)

// A snapshot is the Serialize payload preceded by a fixed frame that makes
// the stream self-describing:
//
//	magic     [4]byte  "CMAP"
//	version   uint8    1
//	order     uint8    'L' or 'B', byte order of every payload field
//	flags     uint8    bit 0: payload is an lz4 frame
//	reserved  uint8    0
//
// The payload's load factor and element count use the frame's byte order
// instead of the native one.
const (
	snapshotVersion       = 1
	snapshotFrameSize     = 8
	snapshotFlagLZ4 uint8 = 1 << 0

	orderLittle = 'L'
	orderBig    = 'B'
)

var snapshotMagic = [4]byte{'C', 'M', 'A', 'P'}

// SnapshotOptions control how WriteSnapshot encodes a map.
type SnapshotOptions struct {
	// ByteOrder of the header and of fixed-size records. Defaults to
	// binary.LittleEndian.
	ByteOrder binary.ByteOrder
	// Compress the payload with lz4.
	Compress bool
}

// WriteSnapshot writes m to w as a snapshot in fixed-record mode. Errors are
// those of Serialize.
//
// With opts.Compress the payload is buffered by the compressor, so a failing
// w is usually only noticed once every record has been handed over. That
// failure is a *RecordError with Op "flush" and Index equal to the number of
// records, and the Index of any other *RecordError counts records handed to
// the compressor rather than records that reached w.
func WriteSnapshot[K any, V any](
	w io.Writer, m *Map[K, V], keySize, valueSize int, opts SnapshotOptions,
) error {
	if err := checkStream(w); err != nil {
		return err
	}
	order := opts.byteOrder()
	codec, err := fixedCodec[K, V](order, keySize, valueSize)
	if err != nil {
		return err
	}
	return writeSnapshot(w, m, codec.Write, order, opts.Compress)
}

// WriteSnapshotCustom is WriteSnapshot with each record produced by
// codec.Write. The codec chooses its own record encoding; opts.ByteOrder
// only applies to the header.
func WriteSnapshotCustom[K any, V any](w io.Writer, m *Map[K, V], codec Codec[K, V], opts SnapshotOptions) error {
	if err := checkStream(w); err != nil {
		return err
	}
	return writeSnapshot(w, m, codec.Write, opts.byteOrder(), opts.Compress)
}

// ReadSnapshot reads a snapshot written by WriteSnapshot into m, honoring
// the byte order and compression recorded in its frame. ErrBadSnapshot is
// returned for a missing or unsupported frame; other errors are those of
// Deserialize.
func ReadSnapshot[K any, V any](r io.Reader, m *Map[K, V], keySize, valueSize int, flags Flags) error {
	if err := checkStream(r); err != nil {
		return err
	}
	order, payload, err := readSnapshotFrame(r)
	if err != nil {
		return err
	}
	codec, err := fixedCodec[K, V](order, keySize, valueSize)
	if err != nil {
		return err
	}
	return readMap(payload, m, order, codec.Read, flags)
}

// ReadSnapshotCustom is ReadSnapshot with each record consumed by
// codec.Read.
func ReadSnapshotCustom[K any, V any](r io.Reader, m *Map[K, V], codec Codec[K, V], flags Flags) error {
	if err := checkStream(r); err != nil {
		return err
	}
	order, payload, err := readSnapshotFrame(r)
	if err != nil {
		return err
	}
	return readMap(payload, m, order, codec.Read, flags)
}

func (o SnapshotOptions) byteOrder() binary.ByteOrder {
	if o.ByteOrder == nil {
		return binary.LittleEndian
	}
	return o.ByteOrder
}

func orderTag(order binary.ByteOrder) uint8 {
	var b [2]byte
	order.PutUint16(b[:], 1)
	if b[0] == 1 {
		return orderLittle
	}
	return orderBig
}

func writeSnapshot[K any, V any](
	w io.Writer, m *Map[K, V], write WriteFunc[K, V], order binary.ByteOrder, compress bool,
) error {
	frame := [snapshotFrameSize]byte{
		snapshotMagic[0], snapshotMagic[1], snapshotMagic[2], snapshotMagic[3],
		snapshotVersion, orderTag(order), 0, 0,
	}
	if compress {
		frame[6] |= snapshotFlagLZ4
	}
	if _, err := w.Write(frame[:]); err != nil {
		return headerError(err, ErrHeaderWrite, "snapshot frame")
	}

	if !compress {
		return writeMap(w, m, order, write)
	}
	zw := lz4.NewWriter(w)
	if err := writeMap(zw, m, order, write); err != nil {
		return err
	}
	// Close flushes the last block and the frame trailer; it does not close
	// w.
	if err := zw.Close(); err != nil {
		return &RecordError{Op: "flush", Index: uint64(m.used), Err: errors.Wrap(err, "lz4 frame")}
	}
	m.logger.Debug("snapshot compressed", zap.Uint8("order", frame[5]))
	return nil
}

func readSnapshotFrame(r io.Reader) (binary.ByteOrder, io.Reader, error) {
	var frame [snapshotFrameSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "reading snapshot frame"), ErrBadSnapshot)
	}
	if [4]byte(frame[:4]) != snapshotMagic {
		return nil, nil, errors.Wrapf(ErrBadSnapshot, "magic %q", frame[:4])
	}
	if frame[4] != snapshotVersion {
		return nil, nil, errors.Wrapf(ErrBadSnapshot, "version %d", frame[4])
	}

	var order binary.ByteOrder
	switch frame[5] {
	case orderLittle:
		order = binary.LittleEndian
	case orderBig:
		order = binary.BigEndian
	default:
		return nil, nil, errors.Wrapf(ErrBadSnapshot, "byte order tag %q", frame[5])
	}

	if flags := frame[6]; flags&^snapshotFlagLZ4 != 0 {
		return nil, nil, errors.Wrapf(ErrBadSnapshot, "flags %#x", flags)
	} else if flags&snapshotFlagLZ4 != 0 {
		return order, lz4.NewReader(r), nil
	}
	return order, r, nil
}
