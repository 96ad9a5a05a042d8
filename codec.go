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
)

// WriteFunc writes a single record. A nil error means the whole record was
// written.
type WriteFunc[K any, V any] func(w io.Writer, key K, value V) error

// ReadFunc reads a single record into freshly allocated key and value
// storage. A nil error means the whole record was read.
type ReadFunc[K any, V any] func(r io.Reader) (K, V, error)

// Codec pairs the per-record functions used for variable-length or
// structured payloads that fixed-record mode cannot express.
type Codec[K any, V any] struct {
	Write WriteFunc[K, V]
	Read  ReadFunc[K, V]
}

// fixedCodec returns the fixed-record codec for K and V. Each of K and V
// must either be []byte, written verbatim and required to be exactly its
// record size, or a fixed-size type understood by encoding/binary whose
// encoded size equals its record size.
func fixedCodec[K any, V any](order binary.ByteOrder, keySize, valueSize int) (Codec[K, V], error) {
	if err := checkFixedSize[K](keySize); err != nil {
		return Codec[K, V]{}, errors.Wrap(err, "key")
	}
	if err := checkFixedSize[V](valueSize); err != nil {
		return Codec[K, V]{}, errors.Wrap(err, "value")
	}
	return Codec[K, V]{
		Write: func(w io.Writer, key K, value V) error {
			if err := writeFixed(w, order, key, keySize); err != nil {
				return errors.Wrap(err, "key")
			}
			if err := writeFixed(w, order, value, valueSize); err != nil {
				return errors.Wrap(err, "value")
			}
			return nil
		},
		Read: func(r io.Reader) (key K, value V, err error) {
			if key, err = readFixed[K](r, order, keySize); err != nil {
				return key, value, errors.Wrap(err, "key")
			}
			if value, err = readFixed[V](r, order, valueSize); err != nil {
				return key, value, errors.Wrap(err, "value")
			}
			return key, value, nil
		},
	}, nil
}

func checkFixedSize[T any](size int) error {
	var t T
	if _, ok := any(t).([]byte); ok {
		if size <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "record size %d", size)
		}
		return nil
	}
	n := binary.Size(t)
	if n < 0 {
		return errors.Wrapf(ErrInvalidConfig, "%T is not a fixed-size type", t)
	}
	if n != size {
		return errors.Wrapf(ErrInvalidConfig, "record size %d, %T encodes to %d bytes", size, t, n)
	}
	return nil
}

func writeFixed[T any](w io.Writer, order binary.ByteOrder, v T, size int) error {
	if b, ok := any(v).([]byte); ok {
		if len(b) != size {
			return errors.Newf("payload is %d bytes, record size is %d", len(b), size)
		}
		_, err := w.Write(b)
		return err
	}
	return binary.Write(w, order, v)
}

func readFixed[T any](r io.Reader, order binary.ByteOrder, size int) (T, error) {
	var v T
	if _, ok := any(v).([]byte); ok {
		b := make([]byte, size)
		if _, err := io.ReadFull(r, b); err != nil {
			return v, err
		}
		return any(b).(T), nil
	}
	err := binary.Read(r, order, &v)
	return v, err
}
