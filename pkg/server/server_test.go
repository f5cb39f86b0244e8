package server

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	recv "github.com/streamrecv/streamrecv"
	"github.com/streamrecv/streamrecv/pkg/admission"
	"github.com/streamrecv/streamrecv/pkg/config"
	"github.com/streamrecv/streamrecv/pkg/log"
	"github.com/streamrecv/streamrecv/pkg/registry"
	"github.com/streamrecv/streamrecv/pkg/worker"
)

const (
	testAPIKey  = "11111111-1111-1111-1111-111111111111"
	testMachine = "22222222-2222-2222-2222-222222222222"
)

func baseStore() *config.Store {
	store := config.NewStore()
	store.Put(testAPIKey, config.Entry{Kind: config.KindAPIKey, Enabled: true})
	store.Put(testMachine, config.Entry{Kind: config.KindMachine, Enabled: true})
	return store
}

func TestServeHTTPMissingKeyReturns401(t *testing.T) {
	gate := admission.NewGate(baseStore(), "", 0, nil)
	reg := registry.NewRegistry()
	pool := worker.NewPool(1, 4, func(job worker.Job) { job.State.Free() }, nil, nil)
	defer pool.Close()

	srv := &Server{Gate: gate, Registry: reg, Pool: pool, Log: log.New(false)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/stream?hostname=child&machine_guid=" + testMachine)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServeHTTPSuccessPathSendsCapabilityPrompt(t *testing.T) {
	gate := admission.NewGate(baseStore(), "", 0, nil)
	reg := registry.NewRegistry()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotDecompressor recv.Decompressor
	pool := worker.NewPool(1, 4, func(job worker.Job) {
		defer wg.Done()
		gotDecompressor = job.State.Decompressor
		job.State.Free()
	}, nil, nil)
	defer pool.Close()

	srv := &Server{Gate: gate, Registry: reg, Pool: pool, Log: log.New(false)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := fmt.Sprintf(
		"GET /api/v1/stream?key=%s&hostname=child-1&machine_guid=%s&ver=8 HTTP/1.1\r\nHost: %s\r\nUser-Agent: streamrecv-child/1.0\r\n\r\n",
		testAPIKey, testMachine, addr,
	)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "START_STREAMING_PROMPT_VN") {
		t.Fatalf("unexpected on-wire response: %q", got)
	}

	wg.Wait()
	if gotDecompressor != recv.DecompressorZSTD {
		t.Errorf("Decompressor = %v, want DecompressorZSTD for ver=8 (VCAPS + compression)", gotDecompressor)
	}
}

func TestServeHTTPSameLocalhostWritesToken(t *testing.T) {
	gate := admission.NewGate(baseStore(), testMachine, 0, nil)
	reg := registry.NewRegistry()
	pool := worker.NewPool(1, 4, func(job worker.Job) { job.State.Free() }, nil, nil)
	defer pool.Close()

	srv := &Server{Gate: gate, Registry: reg, Pool: pool, Log: log.New(false)}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := fmt.Sprintf(
		"GET /api/v1/stream?key=%s&hostname=child-1&machine_guid=%s HTTP/1.1\r\nHost: %s\r\n\r\n",
		testAPIKey, testMachine, addr,
	)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(buf[:n])
	if !strings.HasPrefix(got, "START_STREAMING_ERROR_SAME_LOCALHOST") {
		t.Fatalf("unexpected on-wire response: %q", got)
	}
}
