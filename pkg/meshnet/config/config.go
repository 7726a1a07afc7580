// Package config holds the tunables recognised by the mesh runtime,
// matching the option table in spec.md §6.
package config

import "time"

// Default values, named in spec.md §6.
const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultHeartbeatTimeout   = 15 * time.Second
	DefaultAliveInterval      = 1 * time.Second
	DefaultAliveTimeout       = 3 * time.Second
	DefaultMaxHops            = uint16(8)
	DefaultReconnectAttempts  = uint32(5)
	DefaultReconnectTimeout   = 5 * time.Second
	DefaultFrameMTU           = uint16(1460)
	DefaultPriorityCount      = 3
	DefaultUnreachableBackoff = 1 * time.Second
)

// HandshakeMode selects between the two modes described in spec.md §4.E.
type HandshakeMode int

const (
	// SingleLink uses one TCP connection per peer pair.
	SingleLink HandshakeMode = iota
	// DualLink opens one writer connection per direction.
	DualLink
)

// Config collects every tunable a NodePool accepts. Zero-value fields are
// replaced by their Default* constant in Normalize.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	AliveInterval      time.Duration
	AliveTimeout       time.Duration
	MaxHops            uint16
	ReconnectAttempts  uint32
	ReconnectTimeout   time.Duration
	FrameMTU           uint16
	PriorityCount      int
	UnreachableBackoff time.Duration
	HandshakeMode      HandshakeMode
}

// Default returns a Config with every field set to its spec.md §6 default.
func Default() Config {
	return Config{
		HeartbeatInterval:  DefaultHeartbeatInterval,
		HeartbeatTimeout:   DefaultHeartbeatTimeout,
		AliveInterval:      DefaultAliveInterval,
		AliveTimeout:       DefaultAliveTimeout,
		MaxHops:            DefaultMaxHops,
		ReconnectAttempts:  DefaultReconnectAttempts,
		ReconnectTimeout:   DefaultReconnectTimeout,
		FrameMTU:           DefaultFrameMTU,
		PriorityCount:      DefaultPriorityCount,
		UnreachableBackoff: DefaultUnreachableBackoff,
		HandshakeMode:      SingleLink,
	}
}

// Normalize fills zero-valued fields with their defaults. It is called by
// every constructor that accepts a Config so partially-populated structs
// behave sanely.
func (c Config) Normalize() Config {
	d := Default()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.AliveInterval <= 0 {
		c.AliveInterval = d.AliveInterval
	}
	if c.AliveTimeout <= 0 {
		c.AliveTimeout = d.AliveTimeout
	}
	if c.MaxHops == 0 {
		c.MaxHops = d.MaxHops
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = d.ReconnectTimeout
	}
	if c.FrameMTU == 0 {
		c.FrameMTU = d.FrameMTU
	}
	if c.PriorityCount <= 0 {
		c.PriorityCount = d.PriorityCount
	}
	if c.UnreachableBackoff <= 0 {
		c.UnreachableBackoff = d.UnreachableBackoff
	}
	return c
}
