package config

import "testing"

func TestDefaultMatchesSpecTable(t *testing.T) {
	d := Default()
	cases := map[string]bool{
		"HeartbeatInterval":  d.HeartbeatInterval == DefaultHeartbeatInterval,
		"HeartbeatTimeout":   d.HeartbeatTimeout == DefaultHeartbeatTimeout,
		"AliveInterval":      d.AliveInterval == DefaultAliveInterval,
		"AliveTimeout":       d.AliveTimeout == DefaultAliveTimeout,
		"MaxHops":            d.MaxHops == DefaultMaxHops,
		"ReconnectAttempts":  d.ReconnectAttempts == DefaultReconnectAttempts,
		"ReconnectTimeout":   d.ReconnectTimeout == DefaultReconnectTimeout,
		"FrameMTU":           d.FrameMTU == DefaultFrameMTU,
		"PriorityCount":      d.PriorityCount == DefaultPriorityCount,
		"UnreachableBackoff": d.UnreachableBackoff == DefaultUnreachableBackoff,
	}
	for field, ok := range cases {
		if !ok {
			t.Errorf("field %s does not match its documented default", field)
		}
	}
	if d.HandshakeMode != SingleLink {
		t.Errorf("expected SingleLink as the default handshake mode, got %v", d.HandshakeMode)
	}
}

func TestNormalizeFillsOnlyZeroFields(t *testing.T) {
	c := Config{MaxHops: 2}
	n := c.Normalize()
	if n.MaxHops != 2 {
		t.Fatalf("expected an explicitly set field to survive Normalize, got %d", n.MaxHops)
	}
	if n.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("expected a zero field to be filled with its default, got %v", n.HeartbeatInterval)
	}
	if n.FrameMTU != DefaultFrameMTU {
		t.Fatalf("expected FrameMTU to default, got %d", n.FrameMTU)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	once := Default().Normalize()
	twice := once.Normalize()
	if once != twice {
		t.Fatalf("expected Normalize to be idempotent on an already-normal Config, got %+v vs %+v", once, twice)
	}
}
