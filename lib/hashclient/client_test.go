// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hashserv/lib/codec"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/hashproto"
	"github.com/bureau-foundation/hashserv/lib/service"
	"github.com/bureau-foundation/hashserv/lib/testutil"
)

// fakeServer answers the hashserv actions from an in-memory table
// and records the last report it received.
type fakeServer struct {
	mu         sync.Mutex
	unihashes  map[string]string
	lastReport map[string]any
}

func startFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	fake := &fakeServer{unihashes: map[string]string{"T1": "U1"}}

	address := "unix://" + testutil.SocketPath(t)
	server := service.NewStreamServer(service.StreamServerConfig{
		Address:      address,
		Name:         "hashserv test",
		Capabilities: hashproto.Capabilities,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	server.Handle(hashproto.ActionGet, fake.get)
	server.Handle(hashproto.ActionReport, fake.report)
	server.Handle(hashproto.ActionStats, func(context.Context, []byte) (any, error) {
		return hashproto.StatsResponse{Records: 4, Classes: 2, Requests: map[string]uint64{"get": 1}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "server did not stop")
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server did not become ready")
	return fake, address
}

func (f *fakeServer) get(_ context.Context, raw []byte) (any, error) {
	var request hashproto.GetRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	response := hashproto.GetResponse{Method: request.Method, TaskHash: request.TaskHash}
	if unihash, ok := f.unihashes[request.TaskHash]; ok {
		response.Unihash = &unihash
	}
	return response, nil
}

func (f *fakeServer) report(_ context.Context, raw []byte) (any, error) {
	var fields map[string]any
	if err := codec.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	var request hashproto.ReportRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, err
	}
	if request.OutHash == "conflict" {
		return nil, service.NewError(service.CodeConflict, false, equivalence.ErrConflict)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReport = fields
	unihash := request.TaskHash
	if request.Unihash != "" {
		unihash = request.Unihash
	}
	f.unihashes[request.TaskHash] = unihash
	return hashproto.ReportResponse{Method: request.Method, TaskHash: request.TaskHash, Unihash: unihash}, nil
}

func TestClientGet(t *testing.T) {
	_, address := startFakeServer(t)
	client, err := Dial(t.Context(), address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if client.Server() != "hashserv test" {
		t.Errorf("Server() = %q", client.Server())
	}

	unihash, found, err := client.Get(t.Context(), "sha1", "T1")
	if err != nil || !found || unihash != "U1" {
		t.Errorf("Get(T1) = (%q, %v, %v), want (U1, true, nil)", unihash, found, err)
	}
	unihash, found, err = client.Get(t.Context(), "sha1", "missing")
	if err != nil || found || unihash != "" {
		t.Errorf("Get(missing) = (%q, %v, %v), want (\"\", false, nil)", unihash, found, err)
	}
}

func TestClientReportSendsOnlySetFields(t *testing.T) {
	fake, address := startFakeServer(t)
	client, err := Dial(t.Context(), address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	unihash, err := client.Report(t.Context(), equivalence.Report{
		Method:   "sha1",
		TaskHash: "T2",
		OutHash:  "O2",
		Metadata: equivalence.Metadata{PN: "busybox", Task: "do_compile"},
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if unihash != "T2" {
		t.Errorf("Report = %q, want T2", unihash)
	}

	fake.mu.Lock()
	sent := fake.lastReport
	fake.mu.Unlock()
	for _, key := range []string{"method", "taskhash", "outhash", "PN", "task"} {
		if _, ok := sent[key]; !ok {
			t.Errorf("report is missing %q: %v", key, sent)
		}
	}
	for _, key := range []string{"unihash", "owner", "PV", "PR", "outhash_siginfo"} {
		if _, ok := sent[key]; ok {
			t.Errorf("report carries unset field %q: %v", key, sent)
		}
	}

	unihash, err = client.Report(t.Context(), equivalence.Report{
		Method: "sha1", TaskHash: "T3", OutHash: "O3", Unihash: "proposed",
	})
	if err != nil || unihash != "proposed" {
		t.Errorf("Report with proposed unihash = (%q, %v)", unihash, err)
	}
}

func TestClientReportServiceError(t *testing.T) {
	_, address := startFakeServer(t)
	client, err := Dial(t.Context(), address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	_, err = client.Report(t.Context(), equivalence.Report{Method: "sha1", TaskHash: "T4", OutHash: "conflict"})
	var serviceError *service.ServiceError
	if !errors.As(err, &serviceError) || serviceError.Code != service.CodeConflict {
		t.Fatalf("Report = %v, want conflict ServiceError", err)
	}

	// A service error leaves the connection usable.
	if _, _, err := client.Get(t.Context(), "sha1", "T1"); err != nil {
		t.Errorf("Get after service error: %v", err)
	}
}

func TestClientStats(t *testing.T) {
	_, address := startFakeServer(t)
	client, err := Dial(t.Context(), address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	stats, err := client.Stats(t.Context())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Records != 4 || stats.Classes != 2 || stats.Requests["get"] != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestClientClosed(t *testing.T) {
	_, address := startFakeServer(t)
	client, err := Dial(t.Context(), address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := client.Get(t.Context(), "sha1", "T1"); !errors.Is(err, service.ErrClientClosed) {
		t.Errorf("Get after Close = %v, want ErrClientClosed", err)
	}
}
