// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package request describes one I/O operation submitted to the device and
// the segments of caller memory it transfers.
package request

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/asch/ramblk/internal/ramblk/store"
	"github.com/asch/ramblk/internal/ramblk/tag"
)

var (
	ErrAlreadyStarted = errors.New("request already started")
	ErrSectorRange    = errors.New("sector out of addressable range")
)

// Status is the completion status of the whole request. There is no per
// segment status.
type Status int

const (
	OK Status = iota
	IOError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case IOError:
		return "ioerror"
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// State of the request. Requests only move forward.
type State int32

const (
	Submitted State = iota
	InFlight
	Completed
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case InFlight:
		return "in-flight"
	case Completed:
		return "completed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Segment is one contiguous piece of caller memory. Len bytes starting at
// Offset in Buf take part in the transfer, like a page with offset and
// length. The device never owns Buf.
type Segment struct {
	Buf    []byte
	Offset int
	Len    int
}

// Seg returns a segment spanning the whole buf.
func Seg(buf []byte) Segment {
	return Segment{Buf: buf, Len: len(buf)}
}

// Bytes returns the memory the segment refers to.
func (s Segment) Bytes() ([]byte, error) {
	if s.Offset < 0 || s.Len < 0 || s.Offset > len(s.Buf) || s.Len > len(s.Buf)-s.Offset {
		return nil, fmt.Errorf("segment [%d, %d) outside of %d byte buffer", s.Offset, s.Offset+s.Len, len(s.Buf))
	}

	return s.Buf[s.Offset : s.Offset+s.Len], nil
}

// Request is one I/O operation. Sector is the first sector of the logically
// contiguous range the segments are merged into.
type Request struct {
	Tag      uint64
	Dir      store.Direction
	Sector   int64
	Segments []Segment

	state  atomic.Int32
	status Status
	done   int64
}

// New returns a submitted request with a fresh tag.
func New(dir store.Direction, sector int64, segments ...Segment) *Request {
	return &Request{
		Tag:      tag.Next(),
		Dir:      dir,
		Sector:   sector,
		Segments: segments,
	}
}

// Pos returns the byte offset of the first sector. Negative sectors and
// sectors whose byte offset does not fit into int64 cannot address any store.
func (r *Request) Pos() (int64, error) {
	if r.Sector < 0 || r.Sector > math.MaxInt64>>store.SectorShift {
		return 0, fmt.Errorf("sector %d: %w", r.Sector, ErrSectorRange)
	}

	return r.Sector << store.SectorShift, nil
}

// Bytes returns the sum of the segment lengths.
func (r *Request) Bytes() int64 {
	var n int64
	for _, s := range r.Segments {
		n += int64(s.Len)
	}

	return n
}

// State returns the current state of the request.
func (r *Request) State() State {
	return State(r.state.Load())
}

// Start moves the request to InFlight. A request can be started only once.
func (r *Request) Start() error {
	if !r.state.CompareAndSwap(int32(Submitted), int32(InFlight)) {
		return fmt.Errorf("tag %d: %w", r.Tag, ErrAlreadyStarted)
	}

	return nil
}

// Complete records the status and the number of transferred bytes and moves
// the request to Completed.
func (r *Request) Complete(status Status, transferred int64) {
	r.status = status
	r.done = transferred
	r.state.Store(int32(Completed))
}

// Status returns the completion status. It is meaningful only for completed
// requests.
func (r *Request) Status() Status {
	return r.status
}

// Transferred returns number of bytes copied before completion.
func (r *Request) Transferred() int64 {
	return r.done
}

// Iter returns the segment iterator of the request. Iterator of a request
// with an unaddressable sector yields nothing.
func (r *Request) Iter() *Iterator {
	pos, err := r.Pos()
	return &Iterator{segments: r.Segments, pos: pos, err: err}
}
