package config

import (
	"strings"
	"testing"
)

const sampleConf = `
[api_key:11111111-1111-1111-1111-111111111111]
	enabled = yes
	allow from = 10.0.0.0/8 192.168.1.5

[machine:22222222-2222-2222-2222-222222222222]
	default history = 3600
`

func TestLoadDefaults(t *testing.T) {
	s := NewStore()
	if err := s.Load(strings.NewReader(sampleConf)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	apiEntry, ok := s.Lookup("11111111-1111-1111-1111-111111111111")
	if !ok || apiEntry.Kind != KindAPIKey || !apiEntry.Enabled {
		t.Fatalf("api key entry = %+v, ok=%v", apiEntry, ok)
	}

	machineEntry, ok := s.Lookup("22222222-2222-2222-2222-222222222222")
	if !ok || machineEntry.Kind != KindMachine || !machineEntry.Enabled {
		t.Fatalf("machine default-enabled not honored: %+v, ok=%v", machineEntry, ok)
	}
	if machineEntry.History != 3600 {
		t.Errorf("History = %d, want 3600", machineEntry.History)
	}
}

func TestUnknownAPIKeyDisabledByDefault(t *testing.T) {
	s := NewStore()
	s.Put("k1", Entry{Kind: KindAPIKey})
	if s.Enabled("k1", KindAPIKey) {
		t.Fatal("api key with no explicit enabled=yes must default to disabled")
	}
}

func TestAllowsClientIPEmptyListAllowsAny(t *testing.T) {
	s := NewStore()
	s.Put("k1", Entry{Kind: KindAPIKey, Enabled: true})
	if !s.AllowsClientIP("k1", "203.0.113.9") {
		t.Fatal("empty allow-from list should allow any client IP")
	}
}

func TestAllowsClientIPRestricted(t *testing.T) {
	s := NewStore()
	s.Put("k1", Entry{Kind: KindAPIKey, Enabled: true, AllowFrom: []string{"192.168.1.5"}})
	if s.AllowsClientIP("k1", "203.0.113.9") {
		t.Fatal("client IP not in allow-from list should be rejected")
	}
	if !s.AllowsClientIP("k1", "192.168.1.5") {
		t.Fatal("client IP in allow-from list should be allowed")
	}
}
