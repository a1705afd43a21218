// Package center orchestrates the camera fleet: batch initialization with
// retry, gated start/stop, and fleet-wide status.
package center

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mediacenter/main/camera"
)

// Managed is what the orchestrator needs from a camera.
type Managed interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop()
	Close()
	Status() camera.Status
}

type entry struct {
	name string
	cam  Managed
}

// Center holds the fleet in registration order. Long-running work never
// holds the lock; every loop operates on a copied snapshot.
type Center struct {
	retryDelay time.Duration

	mu          sync.Mutex
	entries     []entry
	index       map[string]Managed
	initialized bool
}

func New(retryDelay time.Duration) *Center {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Center{
		retryDelay: retryDelay,
		index:      make(map[string]Managed),
	}
}

func (c *Center) AddCamera(name string, cam Managed) error {
	if name == "" || cam == nil {
		return fmt.Errorf("camera registration needs a name and an instance")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[name]; ok {
		return fmt.Errorf("camera %s is already registered", name)
	}
	c.index[name] = cam
	c.entries = append(c.entries, entry{name: name, cam: cam})
	return nil
}

// RemoveCamera stops and forgets a camera. Unknown names are a no-op.
func (c *Center) RemoveCamera(name string) {
	c.mu.Lock()
	cam, ok := c.index[name]
	if ok {
		delete(c.index, name)
		for i, e := range c.entries {
			if e.name == name {
				c.entries = append(c.entries[:i], c.entries[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if ok {
		cam.Stop()
	}
}

func (c *Center) Camera(name string) (Managed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cam, ok := c.index[name]
	return cam, ok
}

func (c *Center) snapshot() []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Center) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Center) setInitialized(v bool) {
	c.mu.Lock()
	c.initialized = v
	c.mu.Unlock()
}

// InitializeAll drives the whole fleet to ready, retrying the batch after a
// fixed delay for as long as any camera stays unready. It only reports
// success when every camera is ready within a single round; already-ready
// cameras are skipped, never re-probed.
func (c *Center) InitializeAll(ctx context.Context) error {
	for round := 1; ; round++ {
		cams := c.snapshot()
		ready := 0
		for _, e := range cams {
			if e.cam.Status().Ready {
				ready++
				continue
			}
			if err := e.cam.Initialize(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).Str("camera", e.name).Int("round", round).Msg("camera initialization failed")
				continue
			}
			ready++
		}
		if ready == len(cams) {
			c.setInitialized(true)
			log.Info().Int("cameras", len(cams)).Int("rounds", round).Msg("all cameras initialized")
			return nil
		}

		log.Warn().
			Int("ready", ready).
			Int("total", len(cams)).
			Dur("retry_in", c.retryDelay).
			Msg("initialization incomplete, retrying batch")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// StartAll starts every camera. Refused before a successful InitializeAll.
func (c *Center) StartAll(ctx context.Context) error {
	if !c.Initialized() {
		return fmt.Errorf("cannot start cameras before initialization")
	}
	var firstErr error
	for _, e := range c.snapshot() {
		if err := e.cam.Start(ctx); err != nil {
			log.Err(err).Str("camera", e.name).Msg("camera start failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr == nil {
		log.Info().Msg("all camera streams are running")
	}
	return firstErr
}

// StopAll stops every camera. Refused before a successful InitializeAll.
func (c *Center) StopAll() error {
	if !c.Initialized() {
		return fmt.Errorf("cannot stop cameras before initialization")
	}
	for _, e := range c.snapshot() {
		e.cam.Stop()
	}
	return nil
}

// StatusAll snapshots every camera in registration order.
func (c *Center) StatusAll() []camera.Status {
	cams := c.snapshot()
	out := make([]camera.Status, 0, len(cams))
	for _, e := range cams {
		out = append(out, e.cam.Status())
	}
	return out
}

// Shutdown tears the whole fleet down. Works regardless of initialization
// state so a half-initialized process can still exit cleanly.
func (c *Center) Shutdown() {
	for _, e := range c.snapshot() {
		e.cam.Close()
	}
	c.setInitialized(false)
	log.Info().Msg("media center stopped")
}
