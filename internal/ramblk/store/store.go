// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store provides the backing store of the device. It is one
// contiguous byte buffer addressed by absolute byte offset and it is the only
// state of the device which survives between requests.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
)

const (
	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are.
	SectorSize = 512

	// Log2 of SectorSize. Sector numbers are converted to byte offsets by
	// shifting.
	SectorShift = 9
)

// Direction of the transfer from the device point of view.
type Direction int

const (
	// Read copies from the store to the caller buffer.
	Read Direction = iota

	// Write copies from the caller buffer to the store.
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	}

	return fmt.Sprintf("direction(%d)", int(d))
}

// Allocator selects where the memory of the store comes from.
type Allocator int

const (
	// Heap allocates the store as a regular go slice.
	Heap Allocator = iota

	// Mmap allocates the store as an anonymous private mapping outside of
	// the go heap. Large devices do not put pressure on the garbage
	// collector then.
	Mmap
)

// ParseAllocator converts the configuration value to Allocator.
func ParseAllocator(s string) (Allocator, error) {
	switch s {
	case "heap":
		return Heap, nil
	case "mmap":
		return Mmap, nil
	}

	return Heap, fmt.Errorf("unknown allocator %q", s)
}

var ErrClosed = errors.New("store is closed")

// BoundsError is returned for a transfer which does not fit into the store.
type BoundsError struct {
	Offset int64
	Length int64
	Size   int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("range [%d, %d) exceeds store of %d bytes", e.Offset, e.Offset+e.Length, e.Size)
}

// AllocationError is returned when the memory for the store cannot be
// acquired.
type AllocationError struct {
	Size int64
	Err  error
}

func (e *AllocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot allocate store of %d bytes", e.Size)
	}

	return fmt.Sprintf("cannot allocate store of %d bytes: %s", e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Store is the in-memory backing store. The length is fixed at creation and
// never changes. Transfers do not lock anything, callers serialize
// overlapping transfers themselves.
type Store struct {
	data  []byte
	size  int64
	alloc Allocator

	// Guards data against Close, not against concurrent transfers.
	mu     sync.RWMutex
	closed bool
}

// New allocates the store of size bytes and fills every byte with fill.
func New(size int64, alloc Allocator, fill byte) (s *Store, err error) {
	if size <= 0 || int64(int(size)) != size {
		return nil, &AllocationError{Size: size, Err: errors.New("invalid size")}
	}

	// make panics instead of returning an error when the memory cannot be
	// obtained.
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, &AllocationError{Size: size, Err: fmt.Errorf("%v", r)}
		}
	}()

	var data []byte
	switch alloc {
	case Heap:
		data = make([]byte, size)
	case Mmap:
		data, err = mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			return nil, &AllocationError{Size: size, Err: err}
		}
	default:
		return nil, &AllocationError{Size: size, Err: fmt.Errorf("unknown allocator %d", alloc)}
	}

	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}

	return &Store{data: data, size: size, alloc: alloc}, nil
}

// Len returns the size of the store in bytes.
func (s *Store) Len() int64 {
	return s.size
}

// Check returns BoundsError if the range does not fit into the store.
func (s *Store) Check(off, length int64) error {
	if off < 0 || length < 0 || off > s.size || length > s.size-off {
		return &BoundsError{Offset: off, Length: length, Size: s.size}
	}

	return nil
}

// Transfer copies len(buf) bytes between the store at off and buf according
// to dir. Nothing is touched when the range does not fit.
func (s *Store) Transfer(off int64, buf []byte, dir Direction) error {
	if err := s.Check(off, int64(len(buf))); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	switch dir {
	case Write:
		copy(s.data[off:], buf)
	case Read:
		copy(buf, s.data[off:off+int64(len(buf))])
	default:
		return fmt.Errorf("invalid %s", dir)
	}

	return nil
}

// Close releases the memory. Every following transfer fails with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	data := s.data
	s.data = nil

	if s.alloc == Mmap {
		m := mmap.MMap(data)
		return m.Unmap()
	}

	return nil
}
