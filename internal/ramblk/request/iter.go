// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package request

import "fmt"

// Iterator walks the segments of one request in the declared order and
// computes the absolute store offset of each of them. Scattered memory is
// merged back into one contiguous range, hence the offset of a segment is the
// request position plus the lengths of all previous segments. The iterator
// cannot be restarted.
type Iterator struct {
	segments []Segment
	i        int
	pos      int64
	err      error
}

// Next returns the memory of the next segment and its store offset. It
// returns false at the end or when a segment is invalid, Err tells which.
func (it *Iterator) Next() ([]byte, int64, bool) {
	if it.err != nil || it.i >= len(it.segments) {
		return nil, 0, false
	}

	b, err := it.segments[it.i].Bytes()
	if err != nil {
		it.err = fmt.Errorf("segment %d: %w", it.i, err)
		return nil, 0, false
	}

	off := it.pos
	it.pos += int64(len(b))
	it.i++

	return b, off, true
}

// Err returns the error which stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
