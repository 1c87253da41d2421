// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/ramblk/internal/ramblk/store"
)

// Null implementation of the backing store. Usefull for measuring performance
// of the dispatch path and hardware queues. Otherwise useless. Reads and writes
// are acknowledged without copying anything but bounds are checked as with the
// real store, so the device behaves the same way for invalid requests. It can
// also serve as a template for new backing store implementation since it
// implements dispatch.Transferer interface.
type null struct {
	size int64
}

func NewNull(size int64) *null {
	return &null{size: size}
}

func (n *null) Transfer(off int64, buf []byte, dir store.Direction) error {
	return n.Check(off, int64(len(buf)))
}

func (n *null) Check(off, length int64) error {
	if off < 0 || length < 0 || off > n.size || length > n.size-off {
		return &store.BoundsError{Offset: off, Length: length, Size: n.size}
	}

	return nil
}

func (n *null) Len() int64 {
	return n.size
}

func (n *null) Close() error {
	return nil
}
