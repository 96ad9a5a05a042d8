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

// The serialized form of a Map is its logical contents, not its bucket
// layout:
//
//	load factor    float32
//	element count  uint64
//	records        element count times: key bytes, then value bytes
//
// Serialize and Deserialize use the native byte order and carry no magic
// number or version, so a stream is only portable between platforms with
// the same byte order and record sizes. WriteSnapshot and ReadSnapshot wrap
// the same payload in a self-describing frame.
//
// Records are written in bucket order and then chain order. That order is
// an artifact of the writer's layout; readers rebuild the map by ordinary
// insertion and must not rely on it.

import (
	"encoding/binary"
	"io"
	"os"
	"reflect"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// streamErrer is implemented by streams that track a sticky error, such as
// the error-latching writers commonly layered over files. A stream
// reporting an error is refused before anything is read or written.
type streamErrer interface {
	Err() error
}

func checkStream(s any) error {
	if s == nil {
		return errors.Wrap(ErrStream, "nil stream")
	}
	// A typed nil pointer cannot be asked for its state.
	if v := reflect.ValueOf(s); v.Kind() == reflect.Pointer && v.IsNil() {
		return errors.Wrapf(ErrStream, "nil %T", s)
	}
	switch t := s.(type) {
	case *os.File:
		rc, err := t.SyscallConn()
		if err == nil {
			err = rc.Control(func(uintptr) {})
		}
		if err != nil {
			return errors.Wrapf(errors.Mark(err, ErrStream), "file %s not open", t.Name())
		}
	case streamErrer:
		if err := t.Err(); err != nil {
			return errors.Wrap(errors.Mark(err, ErrStream), "stream in error state")
		}
	}
	return nil
}

// Serialize writes the contents of m to w in fixed-record mode. Every key
// must encode to exactly keySize bytes and every value to valueSize bytes
// (see Deserialize for the accepted types).
//
// ErrStream is returned if w is nil, a closed *os.File or a stream whose Err
// method reports an error, an ErrHeader marked error if the
// load factor or element count could not be fully written, and a
// *RecordError if a record could not be fully written.
func Serialize[K any, V any](w io.Writer, m *Map[K, V], keySize, valueSize int) error {
	if err := checkStream(w); err != nil {
		return err
	}
	codec, err := fixedCodec[K, V](binary.NativeEndian, keySize, valueSize)
	if err != nil {
		return err
	}
	return writeMap(w, m, binary.NativeEndian, codec.Write)
}

// Deserialize reads a map written by Serialize from r and inserts its
// records into m with Put, using flags for every insertion. m must already
// be initialized with the hash and equality functions the records are to be
// looked up with; it adopts the persisted load factor. The bucket layout of
// the writer is not restored: m grows exactly as it would for live inserts.
//
// In fixed-record mode K and V must each be []byte or a fixed-size type
// understood by encoding/binary, with keySize and valueSize matching their
// encoded sizes. ErrInvalidConfig is returned otherwise.
//
// ErrStream is returned if r is not usable, an ErrHeader marked error if the
// header could not be fully read, and a *RecordError if a record could not
// be fully read or inserted. Records before the failing one remain in m.
func Deserialize[K any, V any](r io.Reader, m *Map[K, V], keySize, valueSize int, flags Flags) error {
	if err := checkStream(r); err != nil {
		return err
	}
	codec, err := fixedCodec[K, V](binary.NativeEndian, keySize, valueSize)
	if err != nil {
		return err
	}
	return readMap(r, m, binary.NativeEndian, codec.Read, flags)
}

// SerializeCustom is Serialize with each record produced by write.
func SerializeCustom[K any, V any](w io.Writer, m *Map[K, V], write WriteFunc[K, V]) error {
	if err := checkStream(w); err != nil {
		return err
	}
	return writeMap(w, m, binary.NativeEndian, write)
}

// DeserializeCustom is Deserialize with each record consumed by read.
func DeserializeCustom[K any, V any](r io.Reader, m *Map[K, V], read ReadFunc[K, V], flags Flags) error {
	if err := checkStream(r); err != nil {
		return err
	}
	return readMap(r, m, binary.NativeEndian, read, flags)
}

func writeMap[K any, V any](w io.Writer, m *Map[K, V], order binary.ByteOrder, write WriteFunc[K, V]) error {
	if err := binary.Write(w, order, m.loadFactor); err != nil {
		return headerError(err, ErrHeaderWrite, "load factor")
	}
	if err := binary.Write(w, order, uint64(m.used)); err != nil {
		return headerError(err, ErrHeaderWrite, "element count")
	}

	var n uint64
	var err error
	m.All(func(key K, value V) bool {
		if werr := write(w, key, value); werr != nil {
			err = &RecordError{Op: "write", Index: n, Err: werr}
			return false
		}
		n++
		return true
	})
	if err != nil {
		return err
	}

	m.logger.Debug("serialized", zap.Uint64("records", n))
	return nil
}

func readMap[K any, V any](
	r io.Reader, m *Map[K, V], order binary.ByteOrder, read ReadFunc[K, V], flags Flags,
) error {
	var loadFactor float32
	if err := binary.Read(r, order, &loadFactor); err != nil {
		return headerError(err, ErrHeaderRead, "load factor")
	}
	var count uint64
	if err := binary.Read(r, order, &count); err != nil {
		return headerError(err, ErrHeaderRead, "element count")
	}
	if !validLoadFactor(loadFactor) {
		return headerError(errors.Newf("invalid value %v", loadFactor), ErrHeaderRead, "load factor")
	}
	if err := m.SetLoadFactor(loadFactor); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		key, value, err := read(r)
		if err != nil {
			// The header promised more records, so running out is never a
			// clean end of stream.
			if errors.Is(err, io.EOF) {
				err = errors.Mark(err, io.ErrUnexpectedEOF)
			}
			return &RecordError{Op: "read", Index: i, Err: err}
		}
		if err := m.Put(key, value, flags); err != nil {
			return &RecordError{Op: "insert", Index: i, Err: err}
		}
	}

	m.logger.Debug("deserialized",
		zap.Uint64("records", count),
		zap.Int("used", m.used),
		zap.Int("capacity", len(m.buckets)))
	return nil
}
