package admission

import (
	"testing"
	"time"

	recv "github.com/streamrecv/streamrecv"
	"github.com/streamrecv/streamrecv/pkg/config"
)

const (
	testAPIKey  = "11111111-1111-1111-1111-111111111111"
	testMachine = "22222222-2222-2222-2222-222222222222"
	localGUID   = "33333333-3333-3333-3333-333333333333"
)

func newState() *recv.State {
	s := recv.New(time.Now())
	s.Identity.APIKey = testAPIKey
	s.Identity.Hostname = "child-1"
	s.Identity.MachineGUID = testMachine
	s.Peer.ClientIP = "10.0.0.5"
	return s
}

func baseStore() *config.Store {
	store := config.NewStore()
	store.Put(testAPIKey, config.Entry{Kind: config.KindAPIKey, Enabled: true})
	store.Put(testMachine, config.Entry{Kind: config.KindMachine, Enabled: true})
	return store
}

func TestCheckMissingKeyDenied(t *testing.T) {
	g := NewGate(baseStore(), "", 0, nil)
	s := newState()
	s.Identity.APIKey = ""
	out := g.Check(s, time.Now())
	if out.Allowed || out.HTTPStatus != 401 || out.Token != TokenNotPermitted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestCheckMalformedUUIDDenied(t *testing.T) {
	g := NewGate(baseStore(), "", 0, nil)
	s := newState()
	s.Identity.APIKey = "not-a-uuid"
	out := g.Check(s, time.Now())
	if out.Allowed || out.HTTPStatus != 401 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestCheckAPIKeyNotConfiguredDenied(t *testing.T) {
	g := NewGate(config.NewStore(), "", 0, nil)
	s := newState()
	out := g.Check(s, time.Now())
	if out.Allowed || out.Token != TokenNotPermitted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestCheckAPIKeyDisabledByDefaultDenied(t *testing.T) {
	store := config.NewStore()
	store.Put(testAPIKey, config.Entry{Kind: config.KindAPIKey}) // Enabled defaults false
	store.Put(testMachine, config.Entry{Kind: config.KindMachine, Enabled: true})
	g := NewGate(store, "", 0, nil)
	out := g.Check(newState(), time.Now())
	if out.Allowed {
		t.Fatalf("expected denial for disabled api_key, got %+v", out)
	}
}

func TestCheckClientIPNotAllowedDenied(t *testing.T) {
	store := baseStore()
	store.Put(testAPIKey, config.Entry{Kind: config.KindAPIKey, Enabled: true, AllowFrom: []string{"192.168.1.1"}})
	g := NewGate(store, "", 0, nil)
	out := g.Check(newState(), time.Now())
	if out.Allowed {
		t.Fatalf("expected denial for disallowed client IP, got %+v", out)
	}
}

func TestCheckMachineGUIDConfiguredAsAPIKeyDenied(t *testing.T) {
	store := baseStore()
	store.Put(testMachine, config.Entry{Kind: config.KindAPIKey, Enabled: true})
	g := NewGate(store, "", 0, nil)
	out := g.Check(newState(), time.Now())
	if out.Allowed {
		t.Fatalf("expected denial when machine_guid collides with an api_key entry, got %+v", out)
	}
}

func TestCheckAllowed(t *testing.T) {
	g := NewGate(baseStore(), "", 0, nil)
	out := g.Check(newState(), time.Now())
	if !out.Allowed {
		t.Fatalf("expected allow, got %+v", out)
	}
}

func TestCheckSameLocalhost(t *testing.T) {
	store := baseStore()
	g := NewGate(store, testMachine, 0, nil)
	out := g.Check(newState(), time.Now())
	if !out.SameLocalhost || out.HTTPStatus != 200 || out.Token != TokenSameLocalhost {
		t.Fatalf("expected same-localhost outcome, got %+v", out)
	}
}

func TestCheckAppliesConfigSnapshotFromStore(t *testing.T) {
	store := config.NewStore()
	store.Put(testAPIKey, config.Entry{
		Kind:        config.KindAPIKey,
		Enabled:     true,
		UpdateEvery: 5,
		History:     3600,
		MemoryMode:  "dbengine",
		Health:      "no",
		Forward:     "no",
	})
	store.Put(testMachine, config.Entry{
		Kind:        config.KindMachine,
		Enabled:     true,
		UpdateEvery: 1,
		Health:      "yes",
		Forward:     "yes",
	})
	g := NewGate(store, "", 0, nil)
	s := newState()
	out := g.Check(s, time.Now())
	if !out.Allowed {
		t.Fatalf("expected allow, got %+v", out)
	}
	if s.Config.UpdateEvery != time.Second {
		t.Errorf("UpdateEvery = %v, want machine entry's 1s to win", s.Config.UpdateEvery)
	}
	if s.Config.History != 3600 {
		t.Errorf("History = %d, want api_key entry's 3600 (machine entry left it unset)", s.Config.History)
	}
	if s.Config.MemoryMode != "dbengine" {
		t.Errorf("MemoryMode = %q, want api_key entry's %q", s.Config.MemoryMode, "dbengine")
	}
	if s.Config.Health != recv.HealthOn {
		t.Errorf("Health = %v, want machine entry's HealthOn to override api_key entry's HealthOff", s.Config.Health)
	}
	if !s.Config.Forward.Enabled {
		t.Errorf("Forward.Enabled = false, want machine entry's \"yes\" to override api_key entry's \"no\"")
	}
}

func TestCheckConfigSnapshotLeavesQueryStringUpdateEveryAlone(t *testing.T) {
	store := config.NewStore()
	store.Put(testAPIKey, config.Entry{Kind: config.KindAPIKey, Enabled: true, UpdateEvery: 5})
	store.Put(testMachine, config.Entry{Kind: config.KindMachine, Enabled: true, UpdateEvery: 1})
	g := NewGate(store, "", 0, nil)
	s := newState()
	s.Config.UpdateEvery = 30 * time.Second
	out := g.Check(s, time.Now())
	if !out.Allowed {
		t.Fatalf("expected allow, got %+v", out)
	}
	if s.Config.UpdateEvery != 30*time.Second {
		t.Errorf("UpdateEvery = %v, want the query-supplied 30s left untouched", s.Config.UpdateEvery)
	}
}

func TestCheckServiceNotAcceptingBusy(t *testing.T) {
	g := NewGate(baseStore(), "", 0, func() bool { return false })
	out := g.Check(newState(), time.Now())
	if out.Allowed || out.HTTPStatus != 503 || out.Token != TokenBusy {
		t.Fatalf("expected busy outcome, got %+v", out)
	}
}

func TestRateLimitRejectsSecondConnectionWithinWindow(t *testing.T) {
	g := NewGate(baseStore(), "", 10*time.Second, nil)
	now := time.Now()

	first := g.Check(newState(), now)
	if !first.Allowed {
		t.Fatalf("expected first connection allowed, got %+v", first)
	}

	second := g.Check(newState(), now.Add(2*time.Second))
	if second.Allowed || second.HTTPStatus != 503 {
		t.Fatalf("expected rate-limited busy outcome, got %+v", second)
	}

	third := g.Check(newState(), now.Add(11*time.Second))
	if !third.Allowed {
		t.Fatalf("expected connection allowed once interval elapses, got %+v", third)
	}
}
