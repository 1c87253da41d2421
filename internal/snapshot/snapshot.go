// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package snapshot exports the image of a device to an object store. The
// device is read through ordinary read requests, so the export runs next to
// regular traffic and sees every chunk in a consistent state, although
// different chunks may be read at different times.
package snapshot

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ramblk/internal/ramblk"
)

// Anything implementing this interface can store the exported image.
type Uploader interface {
	// Uploads data in buf as the object number key.
	Upload(key int64, buf []byte) error
}

// Options of the export due to high number of parameters.
type Options struct {
	// Size of one object in bytes. Has to be a multiple of the sector
	// size.
	ChunkSize int64

	// Maximal number of concurrent uploads, zero means no limit.
	Uploaders int
}

// Export reads size bytes of the device in chunks and uploads chunk i as the
// object i. It returns the number of uploaded objects.
func Export(ctx context.Context, dev ramblk.Submitter, size int64, up Uploader, o Options) (int64, error) {
	if o.ChunkSize <= 0 || o.ChunkSize%ramblk.SectorSize != 0 {
		return 0, fmt.Errorf("chunk size %d is not a multiple of %d", o.ChunkSize, ramblk.SectorSize)
	}

	if o.Uploaders < 0 {
		return 0, fmt.Errorf("invalid number of uploaders %d", o.Uploaders)
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.Uploaders > 0 {
		g.SetLimit(o.Uploaders)
	}

	var key int64
	for off := int64(0); off < size; off += o.ChunkSize {
		if gctx.Err() != nil {
			break
		}

		n := o.ChunkSize
		if size-off < n {
			n = size - off
		}

		off, k := off, key
		g.Go(func() error {
			buf := make([]byte, n)
			if _, err := ramblk.ReadAt(dev, buf, off); err != nil {
				return err
			}

			if err := up.Upload(k, buf); err != nil {
				return fmt.Errorf("upload of object %d: %w", k, err)
			}

			return nil
		})
		key++
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	log.Info().Int64("objects", key).Int64("bytes", size).Msg("Image exported.")

	return key, nil
}
