// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized access to the request tag counter.
package tag

import (
	"sync"
)

var (
	// Zero is reserved for requests without an assigned tag.
	tag   uint64 = 1
	mutex sync.Mutex
)

// Returns value of currently unassigned tag. It is forbidden to use this tag
// for a new request without calling Next() function.
func Current() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	return tag
}

// Returns value of currently unassigned tag and increments, hence the tag
// variable contains unassigned tag again. Zero is skipped on wrap around.
func Next() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	tmp := tag
	tag++
	if tag == 0 {
		tag = 1
	}

	return tmp
}
