// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramblk

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/ramblk/internal/null"
	"github.com/asch/ramblk/internal/ramblk/dispatch"
	"github.com/asch/ramblk/internal/ramblk/queue"
	"github.com/asch/ramblk/internal/ramblk/request"
	"github.com/asch/ramblk/internal/ramblk/store"
)

// Options of the device. Capacity is not an option, it is fixed by the
// caller of Create.
type Options struct {
	// Where the memory of the backing store comes from.
	Alloc store.Allocator

	// Locking discipline, "range" or "device".
	Locking string

	// Initial value of every byte in the store.
	Fill byte

	// Number of hardware queue contexts and their depth.
	HwQueues   int
	QueueDepth int

	// Acknowledge everything without copying. For benchmarking the
	// dispatch path only.
	Null bool
}

// DefaultOptions match the single queue of depth 128 of the original
// driver.
func DefaultOptions() Options {
	return Options{
		Alloc:      store.Heap,
		Locking:    "range",
		HwQueues:   1,
		QueueDepth: 128,
	}
}

// The backing store as needed by the device.
type backing interface {
	dispatch.Transferer
	Close() error
}

// Submitter accepts requests and reports completion synchronously. Requests
// reach a device only through a published Handle or its Controller.
type Submitter interface {
	Submit(r *request.Request) request.Status
}

// Device is the device descriptor. It owns the backing store and the
// dispatch machinery. It is referenced by the lifecycle controller and by
// the handles, which never own it.
type Device struct {
	capacity int64
	store    backing
	queues   *queue.Queues

	// Number of published handles. Device cannot be destroyed while
	// published.
	published atomic.Int32

	mu        sync.Mutex
	destroyed bool
}

// Create allocates the backing store for capacity sectors and starts the
// hardware queues. Any allocation failure is reported as AllocationError and
// nothing stays allocated.
func Create(capacity int64, opts Options) (*Device, error) {
	if capacity <= 0 || capacity > math.MaxInt64>>SectorShift {
		return nil, &AllocationError{Size: capacity, Err: fmt.Errorf("invalid capacity of %d sectors", capacity)}
	}

	if opts.HwQueues <= 0 || opts.QueueDepth <= 0 {
		return nil, fmt.Errorf("invalid queues %d with depth %d", opts.HwQueues, opts.QueueDepth)
	}

	size := capacity << SectorShift

	var s backing
	if opts.Null {
		s = null.NewNull(size)
	} else {
		st, err := store.New(size, opts.Alloc, opts.Fill)
		if err != nil {
			return nil, err
		}
		s = st
	}

	if s.Len() != capacity*SectorSize {
		s.Close()
		return nil, &AllocationError{Size: size, Err: fmt.Errorf("store has %d bytes, expected %d", s.Len(), capacity*SectorSize)}
	}

	locker, err := dispatch.ParseLocking(opts.Locking, size)
	if err != nil {
		s.Close()
		return nil, err
	}

	d := &Device{
		capacity: capacity,
		store:    s,
		queues:   queue.New(dispatch.New(s, locker), opts.HwQueues, opts.QueueDepth),
	}

	log.Debug().
		Int64("capacity", capacity).
		Int("hw_queues", opts.HwQueues).
		Int("queue_depth", opts.QueueDepth).
		Str("locking", opts.Locking).
		Bool("null", opts.Null).
		Msg("Device created.")

	return d, nil
}

// Capacity in sectors.
func (d *Device) Capacity() int64 {
	return d.capacity
}

// Size in bytes.
func (d *Device) Size() int64 {
	return d.store.Len()
}

// Processes the request on one of the hardware queues and returns its
// completion status. Publication is checked by the callers.
func (d *Device) submit(r *request.Request) request.Status {
	return d.queues.Submit(r)
}

// Destroy stops the queues and frees the backing store. The device must not
// be published.
func (d *Device) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDestroyed
	}

	if d.published.Load() > 0 {
		return ErrPublished
	}
	d.destroyed = true

	d.queues.Stop()

	return d.store.Close()
}

// ReadAt reads len(p) bytes at off through one read request. off has to be
// aligned to the sector size.
func ReadAt(s Submitter, p []byte, off int64) (int, error) {
	return transferAt(s, store.Read, p, off)
}

// WriteAt writes p at off through one write request. off has to be aligned to
// the sector size.
func WriteAt(s Submitter, p []byte, off int64) (int, error) {
	return transferAt(s, store.Write, p, off)
}

func transferAt(s Submitter, dir store.Direction, p []byte, off int64) (int, error) {
	if off%SectorSize != 0 {
		return 0, fmt.Errorf("%s at %d: %w", dir, off, ErrUnaligned)
	}

	r := request.New(dir, off>>SectorShift, request.Seg(p))
	if s.Submit(r) != request.OK {
		return int(r.Transferred()), fmt.Errorf("%s of %d bytes at %d: %w", dir, len(p), off, ErrIO)
	}

	return len(p), nil
}
