// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatch processes requests against the backing store. It is
// called once per request, synchronously, possibly from many hardware queue
// contexts in parallel.
package dispatch

import (
	"github.com/rs/zerolog/log"

	"github.com/asch/ramblk/internal/ramblk/request"
	"github.com/asch/ramblk/internal/ramblk/store"
)

// Transferer is the backing store as seen by the dispatcher. Anything
// implementing it can serve requests.
type Transferer interface {
	// Copies len(buf) bytes between the store at off and buf.
	Transfer(off int64, buf []byte, dir store.Direction) error

	// Returns error if the range does not fit into the store.
	Check(off, length int64) error

	// Size of the store in bytes.
	Len() int64
}

type Dispatcher struct {
	store  Transferer
	locker Locker
}

func New(s Transferer, l Locker) *Dispatcher {
	return &Dispatcher{store: s, locker: l}
}

// Process starts the request, transfers all its segments in order and
// completes it. Any failure ends the request with IOError. The whole range is
// checked before anything is copied, so a request out of bounds leaves the
// store untouched. A failure in the middle of the transfer does not roll back
// segments which were already copied.
func (d *Dispatcher) Process(r *request.Request) request.Status {
	if err := r.Start(); err != nil {
		log.Debug().Err(err).Send()
		return request.IOError
	}

	pos, err := r.Pos()
	if err != nil {
		return d.fail(r, 0, err)
	}

	length := r.Bytes()
	if err := d.store.Check(pos, length); err != nil {
		return d.fail(r, 0, err)
	}

	unlock := d.locker.Lock(pos, length)
	defer unlock()

	var transferred int64
	it := r.Iter()
	for buf, off, ok := it.Next(); ok; buf, off, ok = it.Next() {
		if err := d.store.Transfer(off, buf, r.Dir); err != nil {
			return d.fail(r, transferred, err)
		}
		transferred += int64(len(buf))
	}

	if err := it.Err(); err != nil {
		return d.fail(r, transferred, err)
	}

	r.Complete(request.OK, transferred)

	return request.OK
}

func (d *Dispatcher) fail(r *request.Request, transferred int64, err error) request.Status {
	log.Debug().Err(err).
		Uint64("tag", r.Tag).
		Str("dir", r.Dir.String()).
		Int64("sector", r.Sector).
		Int64("transferred", transferred).
		Msg("Request failed.")

	r.Complete(request.IOError, transferred)

	return request.IOError
}
