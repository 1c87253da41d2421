// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramblk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/ramblk/internal/ramblk/request"
	"github.com/asch/ramblk/internal/registry"
)

// State of the device lifecycle. The controller moves only forward, teardown
// goes through the states in the reverse order of construction.
type State int

const (
	Uninitialized State = iota
	Registered
	Allocated
	Published
	Unpublished
	Unregistered
	Freed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Registered:    "registered",
	Allocated:     "allocated",
	Published:     "published",
	Unpublished:   "unpublished",
	Unregistered:  "unregistered",
	Freed:         "freed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}

	return stateNames[s]
}

// Handle is the published device as seen by submitters. Requests are accepted
// only between Publish and Unpublish.
type Handle struct {
	dev  *Device
	name string

	// Submitters hold the read lock for the whole request, so Unpublish
	// waits for all requests in flight.
	mu        sync.RWMutex
	published bool
}

// Publish makes the device reachable under name.
func Publish(d *Device, name string) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, ErrDestroyed
	}

	d.published.Add(1)

	return &Handle{dev: d, name: name, published: true}, nil
}

// Name of the published device.
func (h *Handle) Name() string {
	return h.name
}

// Size of the device in bytes.
func (h *Handle) Size() int64 {
	return h.dev.Size()
}

// Submit passes the request to the device. Unpublished handle fails every
// request without touching the request data.
func (h *Handle) Submit(r *request.Request) request.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.published {
		log.Debug().Str("name", h.name).Uint64("tag", r.Tag).Err(ErrNotPublished).Send()
		return request.IOError
	}

	return h.dev.submit(r)
}

// Unpublish waits for requests in flight and stops accepting new ones.
func (h *Handle) Unpublish() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.published {
		return ErrNotPublished
	}

	h.published = false
	h.dev.published.Add(-1)

	return nil
}

// Controller drives one device through its lifecycle. Failed steps release
// everything acquired by them and the controller does not move forward.
type Controller struct {
	registry *registry.Registry
	opts     Options

	mu     sync.Mutex
	state  State
	name   string
	major  uint
	dev    *Device
	handle *Handle
}

func NewController(reg *registry.Registry, opts Options) *Controller {
	return &Controller{registry: reg, opts: opts}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Major returns the major assigned during registration.
func (c *Controller) Major() uint {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.major
}

// Device returns the device descriptor, nil before allocation and after
// free.
func (c *Controller) Device() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dev
}

// Handle returns the published handle, nil when not published.
func (c *Controller) Handle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Published {
		return nil
	}

	return c.handle
}

// Submit passes the request to the published device. Before Publish and
// after Unpublish it fails without touching anything.
func (c *Controller) Submit(r *request.Request) request.Status {
	h := c.Handle()
	if h == nil {
		log.Debug().Uint64("tag", r.Tag).Err(ErrNotPublished).Send()
		return request.IOError
	}

	return h.Submit(r)
}

func (c *Controller) transition(from, to State) error {
	if c.state != from {
		return fmt.Errorf("%s -> %s in state %s: %w", from, to, c.state, ErrInvalidTransition)
	}

	return nil
}

// Register reserves the device identity. Zero major asks for any free one.
func (c *Controller) Register(name string, major uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Uninitialized, Registered); err != nil {
		return err
	}

	m, err := c.registry.Register(major, name)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	c.name, c.major, c.state = name, m, Registered
	log.Info().Msgf("Device %s registered with major %d.", name, m)

	return nil
}

// Allocate creates the device with capacity sectors. When it fails the
// identity is released and the controller returns to Uninitialized.
func (c *Controller) Allocate(capacity int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Registered, Allocated); err != nil {
		return err
	}

	dev, err := Create(capacity, c.opts)
	if err != nil {
		err = fmt.Errorf("allocate %s: %w", c.name, err)
		if uerr := c.registry.Unregister(c.major, c.name); uerr != nil {
			err = errors.Join(err, uerr)
		}
		c.state = Uninitialized
		return err
	}

	c.dev, c.state = dev, Allocated
	log.Info().Msgf("Device %s allocated with %d sectors.", c.name, capacity)

	return nil
}

// Publish makes the device reachable by submitters.
func (c *Controller) Publish() (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Allocated, Published); err != nil {
		return nil, err
	}

	h, err := Publish(c.dev, c.name)
	if err != nil {
		return nil, err
	}

	c.handle, c.state = h, Published
	log.Info().Msgf("Device %s added.", c.name)

	return h, nil
}

// Unpublish stops accepting requests. It returns after all requests in
// flight are completed.
func (c *Controller) Unpublish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Published, Unpublished); err != nil {
		return err
	}

	if err := c.handle.Unpublish(); err != nil {
		return err
	}

	c.state = Unpublished
	log.Info().Msgf("Device %s removed.", c.name)

	return nil
}

// Unregister releases the device identity.
func (c *Controller) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Unpublished, Unregistered); err != nil {
		return err
	}

	if err := c.registry.Unregister(c.major, c.name); err != nil {
		return err
	}

	c.state = Unregistered
	log.Info().Msgf("Device %s unregistered.", c.name)

	return nil
}

// Free destroys the device and its backing store.
func (c *Controller) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(Unregistered, Freed); err != nil {
		return err
	}

	if err := c.dev.Destroy(); err != nil {
		return err
	}

	c.dev, c.handle, c.state = nil, nil, Freed
	log.Info().Msgf("Device %s freed.", c.name)

	return nil
}

// Start registers, allocates and publishes the device. It stops at the first
// failure and releases what was acquired before.
func (c *Controller) Start(name string, major uint, capacity int64) (*Handle, error) {
	if err := c.Register(name, major); err != nil {
		return nil, err
	}

	if err := c.Allocate(capacity); err != nil {
		return nil, err
	}

	h, err := c.Publish()
	if err != nil {
		return nil, errors.Join(err, c.Stop())
	}

	return h, nil
}

// Stop walks the remaining teardown steps from the current state. Device
// which was registered but never published is torn down as well.
func (c *Controller) Stop() error {
	steps := []struct {
		from State
		run  func() error
	}{
		{Published, c.Unpublish},
		{Unpublished, c.Unregister},
		{Unregistered, c.Free},
	}

	switch c.State() {
	case Registered:
		return c.abortRegistration()
	case Allocated:
		c.mu.Lock()
		c.state = Unpublished
		c.mu.Unlock()
	}

	for _, s := range steps {
		if c.State() != s.from {
			continue
		}
		if err := s.run(); err != nil {
			return err
		}
	}

	return nil
}

// Releases the identity of a device which was never allocated.
func (c *Controller) abortRegistration() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.registry.Unregister(c.major, c.name); err != nil {
		return err
	}

	c.state = Uninitialized
	log.Info().Msgf("Device %s unregistered.", c.name)

	return nil
}
