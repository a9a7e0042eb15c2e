// Package memory provides in-memory provider adapters and an in-memory binding
// store. They back `bindctl run --simulate` and the engine's scenario tests.
package memory

import (
	"sync"
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
)

// Environment is a complete simulated provider landscape: one DNS zone API,
// one certificate authority, one CDN and one hosting platform, wired so the
// authority and the platform validate against the simulated DNS.
type Environment struct {
	DNS      *DNS
	CA       *CA
	CDN      *CDN
	Platform *Platform
	Store    *Store
	Clock    *Clock
}

// NewEnvironment creates an environment with an empty zone.
func NewEnvironment() *Environment {
	dns := NewDNS()
	cdn := NewCDN()
	ca := NewCA(dns)
	ca.inUse = cdn.UsesCertificate
	return &Environment{
		DNS:      dns,
		CA:       ca,
		CDN:      cdn,
		Platform: NewPlatform(dns),
		Store:    NewStore(),
		Clock:    NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

// Providers returns the adapter set of the environment.
func (e *Environment) Providers() *engine.ProviderSet {
	return engine.NewProviderSet(
		dnsrecords.New("memory-dns", e.DNS),
		e.CA,
		e.CDN,
		e.Platform,
	)
}

// Reads returns the total number of provider reads across the environment.
func (e *Environment) Reads() int {
	return e.DNS.Reads() + e.CA.Reads() + e.CDN.Reads() + e.Platform.Reads()
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements engine.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
