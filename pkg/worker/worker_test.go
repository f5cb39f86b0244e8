package worker

import (
	"sync"
	"testing"
	"time"

	recv "github.com/streamrecv/streamrecv"
	"github.com/streamrecv/streamrecv/pkg/registry"
)

func TestHandoffDeliversJobToStreamFunc(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	var gotMachineGUID string
	stream := func(job Job) {
		gotMachineGUID = job.State.Identity.MachineGUID
		wg.Done()
	}

	p := NewPool(1, 4, stream, nil, nil)
	defer p.Close()

	r := registry.NewRegistry()
	s := recv.New(time.Now())
	s.Identity.MachineGUID = "guid-handoff"
	host, stop, err := r.Bind(s, time.Now())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	p.Handoff(Job{State: s, Host: host, Stop: stop})
	wg.Wait()

	if gotMachineGUID != "guid-handoff" {
		t.Fatalf("got %q, want guid-handoff", gotMachineGUID)
	}
	if !IsParent() {
		t.Fatal("expected process to be marked as parent after a handoff")
	}
}

func TestHandoffResetsForwardState(t *testing.T) {
	stream := func(job Job) {}
	p := NewPool(1, 4, stream, nil, nil)
	defer p.Close()

	r := registry.NewRegistry()
	s := recv.New(time.Now())
	s.Identity.MachineGUID = "guid-forward"
	host, stop, err := r.Bind(s, time.Now())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	host.Config.Forward.State = recv.ForwardConnected

	p.Handoff(Job{State: s, Host: host, Stop: stop})

	if host.Config.Forward.State != recv.ForwardPreparing {
		t.Fatalf("expected forward state reset to PREPARING, got %v", host.Config.Forward.State)
	}
}
