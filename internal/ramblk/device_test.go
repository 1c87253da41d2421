// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramblk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ramblk/internal/ramblk/request"
	"github.com/asch/ramblk/internal/ramblk/store"
)

func newDevice(t *testing.T, capacity int64, opts Options) *Device {
	t.Helper()

	d, err := Create(capacity, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Destroy() })

	return d
}

// Creates the device and publishes it. Unpublish runs before Destroy.
func newPublished(t *testing.T, capacity int64, opts Options) *Handle {
	t.Helper()

	d := newDevice(t, capacity, opts)

	h, err := Publish(d, "test_blkdev")
	require.NoError(t, err)
	t.Cleanup(func() { h.Unpublish() })

	return h
}

func TestCreateCapacityInvariant(t *testing.T) {
	for _, alloc := range []store.Allocator{store.Heap, store.Mmap} {
		opts := DefaultOptions()
		opts.Alloc = alloc

		d := newDevice(t, 4096, opts)
		assert.Equal(t, int64(4096), d.Capacity())
		assert.Equal(t, int64(2097152), d.Size())
		assert.Equal(t, d.Capacity()*SectorSize, d.Size())
	}
}

func TestCreateAllocationError(t *testing.T) {
	for _, capacity := range []int64{0, -1, 1 << 60} {
		_, err := Create(capacity, DefaultOptions())

		var ae *AllocationError
		assert.True(t, errors.As(err, &ae), "capacity %d", capacity)
	}

	opts := DefaultOptions()
	opts.Locking = "none"
	_, err := Create(8, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.HwQueues = 0
	_, err = Create(8, opts)
	assert.Error(t, err)
}

func TestDeviceScenario(t *testing.T) {
	h := newPublished(t, 4096, DefaultOptions())

	before := make([]byte, 4096)
	n, err := ReadAt(h, before, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, make([]byte, 4096), before)

	in := bytes.Repeat([]byte{0xab}, 4096)
	_, err = WriteAt(h, in, 10*SectorSize)
	require.NoError(t, err)

	out := make([]byte, 4096)
	_, err = ReadAt(h, out, 5120)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadAt(h, before, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), before)
}

func TestDeviceRoundTripAcrossQueues(t *testing.T) {
	opts := DefaultOptions()
	opts.HwQueues = 4

	h := newPublished(t, 1024, opts)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			in := bytes.Repeat([]byte{byte(i)}, 64*SectorSize)
			if _, err := WriteAt(h, in, int64(i)*64*SectorSize); err != nil {
				return err
			}

			out := make([]byte, len(in))
			if _, err := ReadAt(h, out, int64(i)*64*SectorSize); err != nil {
				return err
			}
			if !bytes.Equal(in, out) {
				return errors.New("read back differs")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestDeviceFill(t *testing.T) {
	opts := DefaultOptions()
	opts.Fill = 0xee

	h := newPublished(t, 2, opts)

	out := make([]byte, 2*SectorSize)
	_, err := ReadAt(h, out, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xee}, 2*SectorSize), out)
}

func TestDeviceBounds(t *testing.T) {
	h := newPublished(t, 8, DefaultOptions())

	_, err := WriteAt(h, bytes.Repeat([]byte{1}, 2*SectorSize), 7*SectorSize)
	assert.ErrorIs(t, err, ErrIO)

	out := make([]byte, SectorSize)
	_, err = ReadAt(h, out, 7*SectorSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, SectorSize), out)

	_, err = ReadAt(h, out, 1)
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestDeviceNull(t *testing.T) {
	opts := DefaultOptions()
	opts.Null = true

	h := newPublished(t, 8, opts)

	_, err := WriteAt(h, bytes.Repeat([]byte{1}, SectorSize), 0)
	require.NoError(t, err)

	out := make([]byte, SectorSize)
	_, err = ReadAt(h, out, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, SectorSize), out)

	assert.Equal(t, request.IOError, h.Submit(request.New(store.Read, 8, request.Seg(out))))
}

func TestDeviceDestroy(t *testing.T) {
	d, err := Create(8, DefaultOptions())
	require.NoError(t, err)

	h, err := Publish(d, "test_blkdev")
	require.NoError(t, err)
	assert.ErrorIs(t, d.Destroy(), ErrPublished)

	require.NoError(t, h.Unpublish())
	require.NoError(t, d.Destroy())
	assert.ErrorIs(t, d.Destroy(), ErrDestroyed)

	_, err = Publish(d, "test_blkdev")
	assert.ErrorIs(t, err, ErrDestroyed)

	assert.Equal(t, request.IOError, h.Submit(request.New(store.Read, 0, request.Seg(make([]byte, 1)))))
	assert.Equal(t, request.IOError, d.submit(request.New(store.Read, 0, request.Seg(make([]byte, 1)))))
}

func TestDeviceSubmitOnlyThroughHandle(t *testing.T) {
	d := newDevice(t, 8, DefaultOptions())

	var _ Submitter = (*Handle)(nil)
	var _ Submitter = (*Controller)(nil)

	h, err := Publish(d, "test_blkdev")
	require.NoError(t, err)

	_, err = WriteAt(h, bytes.Repeat([]byte{0x5a}, SectorSize), 0)
	require.NoError(t, err)
	require.NoError(t, h.Unpublish())

	_, err = WriteAt(h, bytes.Repeat([]byte{0xff}, SectorSize), 0)
	assert.ErrorIs(t, err, ErrIO, "unpublished handle rejects writes")

	h, err = Publish(d, "test_blkdev")
	require.NoError(t, err)
	defer h.Unpublish()

	out := make([]byte, SectorSize)
	_, err = ReadAt(h, out, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, SectorSize), out)
}
