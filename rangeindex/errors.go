package rangeindex

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRow matches every *MalformedRowError.
	ErrMalformedRow = errors.New("malformed row")

	// ErrNotSorted is reported for a mark lower than the previous row's mark.
	ErrNotSorted = errors.New("mark is lower than the previous row")

	// ErrInvertedRange is reported for a netblock whose first address is above its last.
	ErrInvertedRange = errors.New("first address is above last address")

	// ErrIndexFileMissing is returned when no persisted index exists at the given path.
	ErrIndexFileMissing = errors.New("index file not found, rebuild the index first")

	// ErrIndexFileCorrupt is returned when a persisted index cannot be decoded.
	ErrIndexFileCorrupt = errors.New("index file is corrupt, rebuild the index first")

	// ErrAddressFamilyMismatch is returned when a persisted index or a partition belongs to another family.
	ErrAddressFamilyMismatch = errors.New("address family mismatch")

	// ErrOverlappingPartitions is returned by Concat for partitions that are not strictly ascending.
	ErrOverlappingPartitions = errors.New("partitions overlap or are out of order")
)

// MalformedRowError identifies a dataset row that was skipped during construction.
type MalformedRowError struct {
	Line  int
	Field string
	Value string
	Err   error
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row at line %d: %s %q: %v", e.Line, e.Field, e.Value, e.Err)
}

func (e *MalformedRowError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedRow) true for every MalformedRowError.
func (e *MalformedRowError) Is(target error) bool {
	return target == ErrMalformedRow
}
