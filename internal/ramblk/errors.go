// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramblk

import (
	"errors"

	"github.com/asch/ramblk/internal/ramblk/request"
	"github.com/asch/ramblk/internal/ramblk/store"
)

type (
	BoundsError     = store.BoundsError
	AllocationError = store.AllocationError
	Status          = request.Status
)

const (
	SectorSize  = store.SectorSize
	SectorShift = store.SectorShift

	OK      = request.OK
	IOError = request.IOError
)

var (
	// Returned to callers of ReadAt and WriteAt when the request ends with
	// IOError.
	ErrIO = errors.New("input/output error")

	ErrUnaligned         = errors.New("offset is not sector aligned")
	ErrNotPublished      = errors.New("device is not published")
	ErrPublished         = errors.New("device is still published")
	ErrDestroyed         = errors.New("device is destroyed")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)
