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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func hashUint64(k uint64) uint64 {
	return k * 0x9e3779b97f4a7c15
}

func newUint64Map(t testing.TB, loadFactor float32, options ...Option[uint64, uint64]) *Map[uint64, uint64] {
	m, err := New[uint64, uint64](hashUint64, Equal[uint64], 0, loadFactor, options...)
	require.NoError(t, err)
	return m
}

// limitWriter accepts n bytes and then fails every write short.
type limitWriter struct {
	w io.Writer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if len(p) > l.n {
		n, _ := l.w.Write(p[:l.n])
		l.n = 0
		return n, io.ErrShortWrite
	}
	l.n -= len(p)
	return l.w.Write(p)
}

// stickyWriter reports a latched error through Err.
type stickyWriter struct {
	bytes.Buffer
	err error
}

func (s *stickyWriter) Err() error {
	return s.err
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 9, 100, 1000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			m := newUint64Map(t, 0.75)
			for i := 0; i < n; i++ {
				require.NoError(t, m.Put(rand.Uint64(), uint64(i), None))
			}

			var buf bytes.Buffer
			require.NoError(t, Serialize(&buf, m, 8, 8))
			require.Equal(t, 12+16*m.Len(), buf.Len())

			// The reader starts with a different load factor and adopts the
			// persisted one.
			r := newUint64Map(t, 3)
			require.NoError(t, Deserialize(&buf, r, 8, 8, None))
			require.Equal(t, m.Len(), r.Len())
			require.Equal(t, float32(0.75), r.LoadFactor())
			require.Equal(t, toBuiltinMap(m), toBuiltinMap(r))
			m.All(func(k, v uint64) bool {
				got, ok := r.Get(k, None)
				require.True(t, ok)
				require.Equal(t, v, got)
				return true
			})
			checkStructure(t, r)
		})
	}
}

func TestSerializeLayout(t *testing.T) {
	m := newUint64Map(t, 0.75)
	require.NoError(t, m.Put(7, 42, None))

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, m, 8, 8))

	expected := binary.NativeEndian.AppendUint32(nil, 0x3f400000) // 0.75
	expected = binary.NativeEndian.AppendUint64(expected, 1)
	expected = binary.NativeEndian.AppendUint64(expected, 7)
	expected = binary.NativeEndian.AppendUint64(expected, 42)
	require.Equal(t, expected, buf.Bytes())
}

func TestSerializeFixedTypes(t *testing.T) {
	type point struct {
		X, Y int32
	}

	t.Run("bytes", func(t *testing.T) {
		m, err := New[[]byte, point](BytesHash, BytesEqual, 0, 0.75)
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			require.NoError(t, m.Put(key, point{int32(i), int32(-i)}, None))
		}

		var buf bytes.Buffer
		require.NoError(t, Serialize(&buf, m, 8, 8))

		r, err := New[[]byte, point](BytesHash, BytesEqual, 0, 0.75)
		require.NoError(t, err)
		require.NoError(t, Deserialize(&buf, r, 8, 8, None))
		require.Equal(t, 50, r.Len())
		for i := 0; i < 50; i++ {
			v, ok := r.Get([]byte(fmt.Sprintf("key-%04d", i)), None)
			require.True(t, ok)
			require.Equal(t, point{int32(i), int32(-i)}, v)
		}
	})

	t.Run("arrays", func(t *testing.T) {
		type digest [16]byte
		hashDigest := func(d digest) uint64 { return binary.LittleEndian.Uint64(d[:8]) }
		m, err := New[digest, uint32](hashDigest, nil, 0, 0.75)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			var d digest
			binary.LittleEndian.PutUint64(d[:8], rand.Uint64())
			require.NoError(t, m.Put(d, uint32(i), FastCompare))
		}

		var buf bytes.Buffer
		require.NoError(t, Serialize(&buf, m, 16, 4))

		r, err := New[digest, uint32](hashDigest, nil, 0, 0.75)
		require.NoError(t, err)
		require.NoError(t, Deserialize(&buf, r, 16, 4, FastCompare))
		require.Equal(t, toBuiltinMap(m), toBuiltinMap(r))
	})

	t.Run("size-mismatch", func(t *testing.T) {
		m := newUint64Map(t, 0.75)
		var buf bytes.Buffer
		err := Serialize(&buf, m, 4, 8)
		require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)
		require.Zero(t, buf.Len())
		require.True(t, errors.Is(Deserialize(&buf, m, 8, 16, None), ErrInvalidConfig))
	})

	t.Run("not-fixed-size", func(t *testing.T) {
		m := newIntMap(t, 0, 0.75)
		var buf bytes.Buffer
		require.True(t, errors.Is(Serialize(&buf, m, 8, 8), ErrInvalidConfig))
	})

	t.Run("short-payload", func(t *testing.T) {
		m, err := New[[]byte, uint64](BytesHash, BytesEqual, 0, 0.75)
		require.NoError(t, err)
		require.NoError(t, m.Put([]byte("short"), 1, None))

		var buf bytes.Buffer
		err = Serialize(&buf, m, 8, 8)
		var recErr *RecordError
		require.True(t, errors.As(err, &recErr), "%v", err)
		require.EqualValues(t, 0, recErr.Index)
	})
}

func TestSerializeStreamErrors(t *testing.T) {
	m := newUint64Map(t, 0.75)
	require.NoError(t, m.Put(1, 1, None))

	var w io.Writer
	require.True(t, errors.Is(Serialize(w, m, 8, 8), ErrStream))
	var r io.Reader
	require.True(t, errors.Is(Deserialize(r, m, 8, 8, None), ErrStream))

	var f *os.File
	require.True(t, errors.Is(Serialize(f, m, 8, 8), ErrStream))

	// A nil stream that tracks its own error state.
	var nsw *stickyWriter
	require.True(t, errors.Is(Serialize(nsw, m, 8, 8), ErrStream))

	f, err := os.Create(filepath.Join(t.TempDir(), "map"))
	require.NoError(t, err)
	require.NoError(t, Serialize(f, m, 8, 8))
	require.NoError(t, f.Close())
	err = Serialize(f, m, 8, 8)
	require.True(t, errors.Is(err, ErrStream), "%v", err)
	require.False(t, errors.Is(err, ErrHeader), "%v", err)
	err = Deserialize(f, newUint64Map(t, 0.75), 8, 8, None)
	require.True(t, errors.Is(err, ErrStream), "%v", err)
	require.False(t, errors.Is(err, ErrHeader), "%v", err)

	f, err = os.Open(f.Name())
	require.NoError(t, err)
	defer f.Close()
	reopened := newUint64Map(t, 0.75)
	require.NoError(t, Deserialize(f, reopened, 8, 8, None))
	require.Equal(t, toBuiltinMap(m), toBuiltinMap(reopened))

	sw := &stickyWriter{err: errors.New("disk full")}
	require.True(t, errors.Is(Serialize(sw, m, 8, 8), ErrStream))
	require.Zero(t, sw.Len())

	sw.err = nil
	require.NoError(t, Serialize(sw, m, 8, 8))
}

func TestSerializeShortWrites(t *testing.T) {
	m := newUint64Map(t, 0.75)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, m.Put(i, i, None))
	}

	testCases := []struct {
		limit       int
		headerErr   bool
		recordIndex uint64
	}{
		{0, true, 0},
		{3, true, 0},
		{4, true, 0},
		{11, true, 0},
		{12, false, 0},
		{12 + 8, false, 0},
		{12 + 16, false, 1},
		{12 + 16*3 + 4, false, 3},
		{12 + 16*4 + 15, false, 4},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("limit=%d", c.limit), func(t *testing.T) {
			err := Serialize(&limitWriter{w: io.Discard, n: c.limit}, m, 8, 8)
			require.Error(t, err)
			require.True(t, errors.Is(err, io.ErrShortWrite), "%v", err)
			if c.headerErr {
				require.True(t, errors.Is(err, ErrHeader), "%v", err)
				require.True(t, errors.Is(err, ErrHeaderWrite), "%v", err)
				require.False(t, errors.Is(err, ErrHeaderRead), "%v", err)
				return
			}
			require.False(t, errors.Is(err, ErrHeader), "%v", err)
			var recErr *RecordError
			require.True(t, errors.As(err, &recErr), "%v", err)
			require.Equal(t, "write", recErr.Op)
			require.Equal(t, c.recordIndex, recErr.Index)
		})
	}

	require.NoError(t, Serialize(&limitWriter{w: io.Discard, n: 12 + 16*5}, m, 8, 8))
}

func TestDeserializeShortReads(t *testing.T) {
	m := newUint64Map(t, 0.75)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, m.Put(i, i*10, None))
	}
	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, m, 8, 8))
	data := buf.Bytes()

	testCases := []struct {
		length      int
		headerErr   bool
		recordIndex uint64
	}{
		{0, true, 0},
		{2, true, 0},
		{4, true, 0},
		{10, true, 0},
		{12, false, 0},
		{12 + 8, false, 0},
		{12 + 16*2 + 3, false, 2},
		{12 + 16*4 + 8, false, 4},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("length=%d", c.length), func(t *testing.T) {
			r := newUint64Map(t, 0.75)
			err := Deserialize(bytes.NewReader(data[:c.length]), r, 8, 8, None)
			require.Error(t, err)
			if c.headerErr {
				require.True(t, errors.Is(err, ErrHeader), "%v", err)
				require.True(t, errors.Is(err, ErrHeaderRead), "%v", err)
				require.Equal(t, 0, r.Len())
				return
			}
			require.True(t, errors.Is(err, io.ErrUnexpectedEOF), "%v", err)
			var recErr *RecordError
			require.True(t, errors.As(err, &recErr), "%v", err)
			require.Equal(t, "read", recErr.Op)
			require.Equal(t, c.recordIndex, recErr.Index)
			// Records before the failing one were inserted.
			require.EqualValues(t, c.recordIndex, r.Len())
		})
	}
}

func TestDeserializeInvalidLoadFactor(t *testing.T) {
	for _, lf := range []float32{0, -1} {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.NativeEndian, lf))
		require.NoError(t, binary.Write(&buf, binary.NativeEndian, uint64(0)))

		m := newUint64Map(t, 0.75)
		err := Deserialize(&buf, m, 8, 8, None)
		require.True(t, errors.Is(err, ErrHeaderRead), "%v", err)
		require.Equal(t, float32(0.75), m.LoadFactor())
	}
}

func TestDeserializeInsertFailure(t *testing.T) {
	m := newUint64Map(t, 0.75)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, m.Put(i, i, None))
	}
	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, m, 8, 8))

	// Entries fail after the 10th allocation.
	a := &limitedAllocator[uint64, uint64]{entries: 10}
	r := newUint64Map(t, 0.75, WithAllocator[uint64, uint64](a))
	err := Deserialize(&buf, r, 8, 8, None)
	require.True(t, errors.Is(err, ErrAllocation), "%v", err)
	var recErr *RecordError
	require.True(t, errors.As(err, &recErr))
	require.Equal(t, "insert", recErr.Op)
	require.EqualValues(t, 10, recErr.Index)
	require.Equal(t, 10, r.Len())
	checkStructure(t, r)
}

type limitedAllocator[K any, V any] struct {
	defaultAllocator[K, V]
	entries int
}

func (a *limitedAllocator[K, V]) AllocEntry() *Entry[K, V] {
	if a.entries == 0 {
		return nil
	}
	a.entries--
	return new(Entry[K, V])
}

// stringCodec writes each string with a uint32 length prefix.
var stringCodec = Codec[string, string]{
	Write: func(w io.Writer, key, value string) error {
		for _, s := range []string{key, value} {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
				return err
			}
			if _, err := io.WriteString(w, s); err != nil {
				return err
			}
		}
		return nil
	},
	Read: func(r io.Reader) (key, value string, err error) {
		var parts [2]string
		for i := range parts {
			var n uint32
			if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
				return "", "", err
			}
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return "", "", err
			}
			parts[i] = string(b)
		}
		return parts[0], parts[1], nil
	},
}

func newStringMap(t testing.TB) *Map[string, string] {
	m, err := New[string, string](StringHash, Equal[string], 0, 0.75)
	require.NoError(t, err)
	return m
}

func TestSerializeCustom(t *testing.T) {
	m := newStringMap(t)
	for i := 0; i < 200; i++ {
		require.NoError(t, m.Put(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d-%s", i, bytes.Repeat([]byte("x"), i%17)), None))
	}

	var buf bytes.Buffer
	require.NoError(t, SerializeCustom(&buf, m, stringCodec.Write))

	r := newStringMap(t)
	require.NoError(t, DeserializeCustom(&buf, r, stringCodec.Read, None))
	require.Equal(t, toBuiltinMap(m), toBuiltinMap(r))
}

func TestSerializeCustomErrors(t *testing.T) {
	m := newStringMap(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Put(fmt.Sprintf("k%d", i), "v", None))
	}

	t.Run("write", func(t *testing.T) {
		var calls int
		failing := func(w io.Writer, key, value string) error {
			if calls == 4 {
				return errors.New("codec failure")
			}
			calls++
			return stringCodec.Write(w, key, value)
		}
		var buf bytes.Buffer
		err := SerializeCustom(&buf, m, failing)
		var recErr *RecordError
		require.True(t, errors.As(err, &recErr), "%v", err)
		require.EqualValues(t, 4, recErr.Index)
	})

	t.Run("read", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, SerializeCustom(&buf, m, stringCodec.Write))

		var calls int
		failing := func(r io.Reader) (string, string, error) {
			if calls == 6 {
				return "", "", errors.New("codec failure")
			}
			calls++
			return stringCodec.Read(r)
		}
		r := newStringMap(t)
		err := DeserializeCustom(&buf, r, failing, None)
		var recErr *RecordError
		require.True(t, errors.As(err, &recErr), "%v", err)
		require.EqualValues(t, 6, recErr.Index)
		require.Equal(t, 6, r.Len())
	})

	t.Run("stream", func(t *testing.T) {
		require.True(t, errors.Is(SerializeCustom(nil, m, stringCodec.Write), ErrStream))
		require.True(t, errors.Is(DeserializeCustom(nil, m, stringCodec.Read, None), ErrStream))
	})
}
