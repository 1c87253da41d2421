// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package registry hands out device identities, i.e. names and major
// numbers, the same way register_blkdev does for block drivers.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Linux does not allow more majors for block devices.
const DefaultMaxMajors = 512

var (
	ErrNoFreeMajor   = errors.New("no free major")
	ErrMajorInUse    = errors.New("major in use")
	ErrNameInUse     = errors.New("name in use")
	ErrNotRegistered = errors.New("not registered")
)

// Registry of device identities. Major zero is never assigned, it asks for
// any free major instead.
type Registry struct {
	majors *bitset.BitSet
	names  map[uint]string
	max    uint
	mu     sync.Mutex
}

func New(maxMajors uint) *Registry {
	r := &Registry{
		majors: bitset.New(maxMajors),
		names:  make(map[uint]string),
		max:    maxMajors,
	}
	r.majors.Set(0)

	return r
}

// Register reserves major for name. When major is zero the lowest free major
// is assigned. The reserved major is returned.
func (r *Registry) Register(major uint, name string) (uint, error) {
	if name == "" {
		return 0, errors.New("empty device name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.names {
		if n == name {
			return 0, fmt.Errorf("%s: %w", name, ErrNameInUse)
		}
	}

	if major == 0 {
		free, ok := r.majors.NextClear(1)
		if !ok || free >= r.max {
			return 0, ErrNoFreeMajor
		}
		major = free
	}

	if major >= r.max {
		return 0, fmt.Errorf("major %d out of range [1, %d)", major, r.max)
	}

	if r.majors.Test(major) {
		return 0, fmt.Errorf("major %d: %w", major, ErrMajorInUse)
	}

	r.majors.Set(major)
	r.names[major] = name

	return major, nil
}

// Unregister releases the major. The name has to match the registered one.
func (r *Registry) Unregister(major uint, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.names[major]
	if !ok || n != name {
		return fmt.Errorf("%s with major %d: %w", name, major, ErrNotRegistered)
	}

	delete(r.names, major)
	r.majors.Clear(major)

	return nil
}

// Name returns the name registered under major.
func (r *Registry) Name(major uint) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.names[major]

	return n, ok
}
