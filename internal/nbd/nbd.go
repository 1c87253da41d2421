// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbd exports a published device over the network block device
// protocol on a unix socket. It is the only way to reach the device from
// outside of the process.
package nbd

import (
	"github.com/pojntfx/go-nbd/pkg/backend"

	"github.com/asch/ramblk/internal/ramblk"
)

var _ backend.Backend = (*Backend)(nil)

// Backend turns NBD reads and writes into requests on the published handle.
// Offsets sent by the client are aligned to the sector size because the
// export announces it as the minimal block size.
type Backend struct {
	handle *ramblk.Handle
}

func NewBackend(h *ramblk.Handle) *Backend {
	return &Backend{handle: h}
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	return ramblk.ReadAt(b.handle, p, off)
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	return ramblk.WriteAt(b.handle, p, off)
}

func (b *Backend) Size() (int64, error) {
	return b.handle.Size(), nil
}

// Sync has nothing to flush, every completed write is already in the store.
func (b *Backend) Sync() error {
	return nil
}
