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
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAllocation is returned when the bucket array or an entry could not
	// be allocated. The Map is left consistent.
	ErrAllocation = errors.New("chainmap: allocation failed")

	// ErrNotFound is returned by Delete for a key that is not present. It
	// is an expected outcome rather than a failure.
	ErrNotFound = errors.New("chainmap: key not found")

	// ErrInvalidConfig is returned for unusable construction parameters or
	// record sizes.
	ErrInvalidConfig = errors.New("chainmap: invalid configuration")

	// ErrStream is returned when the stream handed to the persistence
	// layer is nil or already in an error state.
	ErrStream = errors.New("chainmap: stream not usable")

	// ErrHeader marks any failure to fully read or write the load factor
	// and element count that precede the records.
	ErrHeader = errors.New("chainmap: header i/o failed")

	// ErrHeaderWrite marks a short header write. Errors marked with it are
	// also marked with ErrHeader.
	ErrHeaderWrite = errors.New("chainmap: short header write")

	// ErrHeaderRead marks a short or invalid header read. Errors marked
	// with it are also marked with ErrHeader.
	ErrHeaderRead = errors.New("chainmap: short header read")

	// ErrBadSnapshot is returned by ReadSnapshot when the frame is not a
	// snapshot this package understands.
	ErrBadSnapshot = errors.New("chainmap: bad snapshot frame")
)

// RecordError identifies the record at which a bulk read or write failed.
// Index is also the number of records fully processed before the failure.
type RecordError struct {
	Op    string
	Index uint64
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("chainmap: %s record %d: %v", e.Op, e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func headerError(cause, mark error, field string) error {
	if cause == nil {
		cause = errors.Newf("invalid %s", field)
	}
	err := errors.Wrapf(cause, "%s", field)
	return errors.Mark(errors.Mark(err, mark), ErrHeader)
}
