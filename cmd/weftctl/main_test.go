package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/CoteTommy/Weft-App-sub000/internal/api"
	"github.com/CoteTommy/Weft-App-sub000/internal/lock"
	"github.com/CoteTommy/Weft-App-sub000/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// stubControl answers the methods the tests call and records requests.
// Calling any other method panics through the nil embedded interface.
type stubControl struct {
	api.ControlServer

	mu   sync.Mutex
	reqs map[string]map[string]any
}

func (s *stubControl) record(method string, in *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reqs == nil {
		s.reqs = make(map[string]map[string]any)
	}
	s.reqs[method] = in.AsMap()
}

func (s *stubControl) request(method string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[method]
}

func (s *stubControl) Status(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record("Status", in)
	return structpb.NewStruct(map[string]any{
		"profile":      "main",
		"display_name": "Ada",
		"state":        "LIVE",
		"events":       12,
		"refreshes":    3,
		"threads":      4,
		"unread":       2,
		"queue":        map[string]any{"queued": 1, "sending": 0, "paused": 1},
		"backend":      map[string]any{"error": "connection refused"},
	})
}

func (s *stubControl) ListQueue(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record("ListQueue", in)
	return structpb.NewStruct(map[string]any{"entries": []any{
		map[string]any{"id": "send:1", "status": "paused", "thread_id": "peer", "attempts": 4, "last_error": "auto-retry paused"},
	}})
}

func (s *stubControl) QueueAction(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record("QueueAction", in)
	return structpb.NewStruct(map[string]any{"persisted": false, "code": "quota", "message": "storage full"})
}

func (s *stubControl) SendMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.record("SendMessage", in)
	return structpb.NewStruct(map[string]any{"message_id": "m1", "queued": true, "entry_id": "send:m1", "detail": "failed: timeout"})
}

func serve(t *testing.T, srv api.ControlServer) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "weftctl-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "c.sock")
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	s := grpc.NewServer()
	api.Register(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return socketPath
}

func execute(t *testing.T, socketPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--socket", socketPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	stub := &stubControl{}
	socketPath := serve(t, stub)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"status", []string{"status"}, []string{"main (Ada)", "LIVE, 12 events, 3 refreshes", "1 queued, 0 sending, 1 paused", "unreachable: connection refused"}},
		{"queue list", []string{"queue"}, []string{"send:1", "paused", "attempts=4"}},
		{"queue action", []string{"queue", "retry", "send:1"}, []string{"Queue retry send:1 done", "not saved (quota)"}},
		{"send", []string{"send", "peer", "hello", "there"}, []string{"Queued m1 as send:m1"}},
		{"json", []string{"--json", "status"}, []string{`"state": "LIVE"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, socketPath, tt.args...)
			if err != nil {
				t.Fatalf("Execute(%v) error = %v", tt.args, err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}

	if req := stub.request("QueueAction"); req["action"] != "retry" || req["id"] != "send:1" {
		t.Errorf("QueueAction request = %v", req)
	}
	if req := stub.request("SendMessage"); req["thread_id"] != "peer" || req["text"] != "hello there" {
		t.Errorf("SendMessage request = %v", req)
	}
}

func TestArgumentErrors(t *testing.T) {
	socketPath := serve(t, &stubControl{})
	for _, args := range [][]string{
		{"thread"},
		{"queue", "pause"},
		{"read"},
		{"pin"},
	} {
		if _, err := execute(t, socketPath, args...); err == nil {
			t.Errorf("Execute(%v) succeeded, want an argument error", args)
		}
	}
}

func TestDaemonNotReachable(t *testing.T) {
	t.Setenv("WEFT_HOME", t.TempDir())
	t.Setenv(session.ProfileEnv, "")

	status := func() error {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"--profile", "idle", "--timeout", "2s", "status"})
		return cmd.Execute()
	}

	if err := status(); err == nil || !strings.Contains(err.Error(), `not running for profile "idle"`) {
		t.Errorf("status without daemon: error = %v", err)
	}

	lk, err := lock.Acquire(session.Dir("idle"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()
	if err := status(); err == nil || !strings.Contains(err.Error(), "is not answering") {
		t.Errorf("status with a silent daemon: error = %v", err)
	}
}
