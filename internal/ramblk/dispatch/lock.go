// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/asch/ramblk/internal/ramblk/store"
)

// Locker serializes requests touching the same part of the backing store.
// Lock blocks until the byte range [off, off+n) is exclusively owned by the
// caller and returns the function releasing it.
type Locker interface {
	Lock(off, n int64) (unlock func())
}

// ParseLocking returns the Locker for the configuration value. size is the
// size of the store in bytes.
func ParseLocking(s string, size int64) (Locker, error) {
	switch s {
	case "range":
		return NewRangeLock(size), nil
	case "device":
		return &DeviceLock{}, nil
	}

	return nil, fmt.Errorf("unknown locking discipline %q", s)
}

// DeviceLock is one exclusive lock for the whole device. Requests are
// processed one by one no matter how many hardware queues submit them.
type DeviceLock struct {
	mu sync.Mutex
}

func (l *DeviceLock) Lock(off, n int64) func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// RangeLock locks sectors. A request owns every sector its byte range
// touches, requests sharing a sector wait for each other and requests with
// disjoint sectors run in parallel. The whole range is taken at once, so two
// requests never hold parts of each other's range.
type RangeLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	sectors *bitset.BitSet
}

func NewRangeLock(size int64) *RangeLock {
	l := &RangeLock{
		sectors: bitset.New(uint((size + store.SectorSize - 1) >> store.SectorShift)),
	}
	l.cond = sync.NewCond(&l.mu)

	return l
}

func (l *RangeLock) Lock(off, n int64) func() {
	if n <= 0 {
		return func() {}
	}

	first := uint(off >> store.SectorShift)
	last := uint((off + n - 1) >> store.SectorShift)

	l.mu.Lock()
	for l.busy(first, last) {
		l.cond.Wait()
	}
	for i := first; i <= last; i++ {
		l.sectors.Set(i)
	}
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		for i := first; i <= last; i++ {
			l.sectors.Clear(i)
		}
		l.mu.Unlock()
		l.cond.Broadcast()
	}
}

// Held returns number of currently locked sectors.
func (l *RangeLock) Held() uint {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sectors.Count()
}

func (l *RangeLock) busy(first, last uint) bool {
	i, ok := l.sectors.NextSet(first)
	return ok && i <= last
}
