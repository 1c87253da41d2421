// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ramblk/internal/ramblk/request"
	"github.com/asch/ramblk/internal/ramblk/store"
)

const sectors = 4096

func newDispatcher(t *testing.T, locking string) (*Dispatcher, *store.Store) {
	t.Helper()

	s, err := store.New(sectors*store.SectorSize, store.Heap, 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l, err := ParseLocking(locking, s.Len())
	require.NoError(t, err)

	return New(s, l), s
}

func read(t *testing.T, d *Dispatcher, sector int64, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	r := request.New(store.Read, sector, request.Seg(buf))
	require.Equal(t, request.OK, d.Process(r))
	require.Equal(t, int64(n), r.Transferred())

	return buf
}

func TestProcessRoundTrip(t *testing.T) {
	d, _ := newDispatcher(t, "range")

	assert.Equal(t, make([]byte, 4096), read(t, d, 0, 4096))

	in := bytes.Repeat([]byte{0xab}, 4096)
	w := request.New(store.Write, 10, request.Seg(in))
	require.Equal(t, request.OK, d.Process(w))
	assert.Equal(t, request.Completed, w.State())
	assert.Equal(t, request.OK, w.Status())

	assert.Equal(t, in, read(t, d, 10, 4096))
	assert.Equal(t, make([]byte, 10*store.SectorSize), read(t, d, 0, 10*store.SectorSize))
}

func TestProcessMultiSegmentContinuity(t *testing.T) {
	d, _ := newDispatcher(t, "range")

	a := bytes.Repeat([]byte{1}, 100)
	b := bytes.Repeat([]byte{2}, 250)
	c := bytes.Repeat([]byte{3}, 162)

	w := request.New(store.Write, 0, request.Seg(a), request.Seg(b), request.Seg(c))
	require.Equal(t, request.OK, d.Process(w))
	assert.Equal(t, int64(512), w.Transferred())

	want := append(append(append([]byte{}, a...), b...), c...)
	assert.Equal(t, want, read(t, d, 0, 512))

	// Read back scattered into segments of different lengths.
	x, y := make([]byte, 300), make([]byte, 212)
	r := request.New(store.Read, 0, request.Seg(x), request.Seg(y))
	require.Equal(t, request.OK, d.Process(r))
	assert.Equal(t, want, append(x, y...))
}

func TestProcessBoundsRejection(t *testing.T) {
	d, _ := newDispatcher(t, "range")

	w := request.New(store.Write, sectors-1,
		request.Seg(bytes.Repeat([]byte{0xff}, 512)),
		request.Seg(bytes.Repeat([]byte{0xff}, 1)),
	)
	assert.Equal(t, request.IOError, d.Process(w))
	assert.Equal(t, int64(0), w.Transferred())
	assert.Equal(t, make([]byte, 512), read(t, d, sectors-1, 512))

	r := request.New(store.Read, sectors, request.Seg(make([]byte, 1)))
	assert.Equal(t, request.IOError, d.Process(r))
}

func TestProcessUnaddressableSector(t *testing.T) {
	d, _ := newDispatcher(t, "range")

	for _, sector := range []int64{(1 << 55) + 10, math.MaxInt64, -1} {
		w := request.New(store.Write, sector, request.Seg(bytes.Repeat([]byte{0xcd}, 512)))
		assert.Equal(t, request.IOError, d.Process(w), "sector %d", sector)
		assert.Equal(t, int64(0), w.Transferred())
	}

	assert.Equal(t, make([]byte, 512), read(t, d, 10, 512), "sector 10 is not aliased")
}

func TestProcessFailureKeepsTransferredSegments(t *testing.T) {
	d, _ := newDispatcher(t, "device")

	w := request.New(store.Write, 0,
		request.Seg(bytes.Repeat([]byte{7}, 512)),
		request.Segment{Buf: make([]byte, 16), Offset: 8, Len: 16},
		request.Seg(bytes.Repeat([]byte{9}, 512)),
	)
	assert.Equal(t, request.IOError, d.Process(w))
	assert.Equal(t, int64(512), w.Transferred())

	assert.Equal(t, bytes.Repeat([]byte{7}, 512), read(t, d, 0, 512))
	assert.Equal(t, make([]byte, 512), read(t, d, 1, 512))
}

func TestProcessStartsOnce(t *testing.T) {
	d, _ := newDispatcher(t, "range")

	buf := bytes.Repeat([]byte{1}, 512)
	w := request.New(store.Write, 0, request.Seg(buf))
	require.Equal(t, request.OK, d.Process(w))

	copy(buf, bytes.Repeat([]byte{2}, 512))
	assert.Equal(t, request.IOError, d.Process(w))
	assert.Equal(t, request.OK, w.Status(), "completed request is left alone")
	assert.Equal(t, bytes.Repeat([]byte{1}, 512), read(t, d, 0, 512))
}

func TestProcessDisjointConcurrency(t *testing.T) {
	for _, locking := range []string{"range", "device"} {
		t.Run(locking, func(t *testing.T) {
			d, _ := newDispatcher(t, locking)

			var g errgroup.Group
			for i := 0; i < 8; i++ {
				i := i
				g.Go(func() error {
					pattern := bytes.Repeat([]byte{byte(i + 1)}, 8*store.SectorSize)
					for n := 0; n < 100; n++ {
						r := request.New(store.Write, int64(i*8), request.Seg(pattern))
						if s := d.Process(r); s != request.OK {
							return assert.AnError
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			for i := 0; i < 8; i++ {
				assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 8*store.SectorSize), read(t, d, int64(i*8), 8*store.SectorSize))
			}
		})
	}
}

func TestProcessOverlappingWritesAreNotTorn(t *testing.T) {
	for _, locking := range []string{"range", "device"} {
		t.Run(locking, func(t *testing.T) {
			d, _ := newDispatcher(t, locking)

			var g errgroup.Group
			for i := 0; i < 8; i++ {
				v := byte(i + 1)
				g.Go(func() error {
					for n := 0; n < 50; n++ {
						segs := []request.Segment{
							request.Seg(bytes.Repeat([]byte{v}, 700)),
							request.Seg(bytes.Repeat([]byte{v}, 1348)),
						}
						if s := d.Process(request.New(store.Write, 2, segs...)); s != request.OK {
							return assert.AnError
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			got := read(t, d, 2, 2048)
			assert.Equal(t, bytes.Repeat(got[:1], 2048), got)
		})
	}
}

func TestRangeLock(t *testing.T) {
	l := NewRangeLock(sectors * store.SectorSize)

	unlock := l.Lock(0, 512)
	assert.Equal(t, uint(1), l.Held())

	// Disjoint range does not block.
	unlockOther := l.Lock(512, 1024)
	assert.Equal(t, uint(3), l.Held())
	unlockOther()

	acquired := make(chan struct{})
	go func() {
		u := l.Lock(100, 100)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping range acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("overlapping range not acquired after release")
	}

	l.Lock(0, 0)()
	require.Eventually(t, func() bool { return l.Held() == 0 }, time.Second, time.Millisecond)
}

func TestParseLocking(t *testing.T) {
	l, err := ParseLocking("device", 512)
	require.NoError(t, err)
	assert.IsType(t, &DeviceLock{}, l)

	_, err = ParseLocking("none", 512)
	assert.Error(t, err)
}
