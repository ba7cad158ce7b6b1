package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
	"github.com/CoteTommy/Weft-App-sub000/internal/mesh"
	"github.com/CoteTommy/Weft-App-sub000/internal/outbox"
	"github.com/CoteTommy/Weft-App-sub000/internal/queue"
	"github.com/CoteTommy/Weft-App-sub000/internal/status"
	"github.com/CoteTommy/Weft-App-sub000/internal/store"
	intsync "github.com/CoteTommy/Weft-App-sub000/internal/sync"
	"github.com/CoteTommy/Weft-App-sub000/internal/threadstore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// meshDaemon serves a fixed thread list. Posts to the "offline" thread are
// rejected with a no-path error.
func meshDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/threads", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items": [
			{"id": "a", "name": "Ada", "last_activity_at_ms": 100, "unread_count": 0},
			{"id": "b", "name": "Bob", "last_activity_at_ms": 300, "unread_count": 2}
		], "next_cursor": null}`))
	})
	mux.HandleFunc("GET /api/threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "a" {
			_, _ = w.Write([]byte(`{"items": [], "next_cursor": null}`))
			return
		}
		_, _ = w.Write([]byte(`{"items": [
			{"id": "m1", "direction": "inbound", "author": "Ada", "body": "hello", "timestamp_ms": 90},
			{"id": "m2", "direction": "outbound", "author": "me", "body": "hi", "timestamp_ms": 100}
		], "next_cursor": null}`))
	})
	mux.HandleFunc("POST /api/threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "offline" {
			_, _ = w.Write([]byte(`{"backend_status": "failed: no path to peer"}`))
			return
		}
		_, _ = w.Write([]byte(`{"backend_status": "sent"}`))
	})
	mux.HandleFunc("GET /api/probe", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"rpc": {"reachable": true, "endpoint": "127.0.0.1:4243"},
			"events": {"reachable": true},
			"relay": {"configured": false, "address": null},
			"version": "0.9.2"
		}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	client  *Client
	threads *threadstore.Store
	queue   *queue.Manager
	bus     *bus.Bus
}

func setup(t *testing.T) fixture {
	t.Helper()
	// Use a short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "weft-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "weft.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mc := mesh.NewClient(meshDaemon(t).URL, time.Second, nil)
	b := bus.New()
	machine := status.NewMachine(b)
	ts, err := threadstore.New(mc, db, b, threadstore.Options{DisplayName: "Me"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ts.Close)
	p, err := queue.NewPersister(db, db, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	q := queue.NewManager(p, nil)
	sender := outbox.NewSender(q, mc, ts, b, time.Second, time.Second, nil)
	rec := intsync.NewReconciler(mc, ts, machine, intsync.Options{}, nil)

	socketPath := filepath.Join(dir, "c.sock")
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv, NewControl("test", ts, q, sender, rec, mc, b, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return fixture{client: c, threads: ts, queue: q, bus: b}
}

func call(t *testing.T, c *Client, method string, req map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		t.Fatalf("%s(%v) error = %v", method, req, err)
	}
	return resp
}

func wantCode(t *testing.T, c *Client, method string, req map[string]any, want codes.Code) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Call(ctx, method, req)
	if got := grpcstatus.Code(err); got != want {
		t.Errorf("%s(%v) code = %v, want %v (err = %v)", method, req, got, want, err)
	}
}

func threadIDs(resp map[string]any) []string {
	var out []string
	for _, t := range resp["threads"].([]any) {
		out = append(out, t.(map[string]any)["id"].(string))
	}
	return out
}

func TestListAndGetThread(t *testing.T) {
	f := setup(t)
	call(t, f.client, "Refresh", nil)

	resp := call(t, f.client, "ListThreads", nil)
	if got := fmt.Sprint(threadIDs(resp)); got != "[b a]" {
		t.Errorf("threads = %s, want [b a]", got)
	}
	if resp["has_more"] != false {
		t.Errorf("has_more = %v", resp["has_more"])
	}

	resp = call(t, f.client, "GetThread", map[string]any{"id": "a"})
	th := resp["thread"].(map[string]any)
	msgs := th["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	last := msgs[1].(map[string]any)
	if last["id"] != "m2" || last["role"] != "self" || last["author"] != "Me" {
		t.Errorf("last message = %v", last)
	}
	if active := call(t, f.client, "ListThreads", nil)["active"]; active != "a" {
		t.Errorf("active = %v, want a", active)
	}

	wantCode(t, f.client, "GetThread", map[string]any{"id": "nobody"}, codes.NotFound)
	wantCode(t, f.client, "GetThread", map[string]any{}, codes.InvalidArgument)
	wantCode(t, f.client, "GetThread", map[string]any{"id": 7}, codes.InvalidArgument)

	resp = call(t, f.client, "GetThread", map[string]any{"id": "carol", "name": "Carol", "create": true})
	th = resp["thread"].(map[string]any)
	if th["draft"] != true || th["name"] != "Carol" {
		t.Errorf("draft thread = %v", th)
	}
}

func TestSendAndQueueActions(t *testing.T) {
	f := setup(t)

	resp := call(t, f.client, "SendMessage", map[string]any{"thread_id": "a", "text": "hey", "message_id": "s1"})
	if resp["queued"] != false || resp["message_id"] != "s1" {
		t.Errorf("accepted send = %v", resp)
	}

	resp = call(t, f.client, "SendMessage", map[string]any{"thread_id": "offline", "text": "later"})
	if resp["queued"] != true {
		t.Fatalf("rejected send = %v, want queued", resp)
	}
	entryID := resp["entry_id"].(string)

	entries := call(t, f.client, "ListQueue", nil)["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(entries))
	}
	e := entries[0].(map[string]any)
	if e["id"] != entryID || e["reason_code"] != "no_path" || e["status"] != "queued" || e["text"] != "later" {
		t.Errorf("entry = %v", e)
	}

	resp = call(t, f.client, "QueueAction", map[string]any{"action": "pause", "id": entryID})
	if resp["entry"].(map[string]any)["status"] != "paused" || resp["persisted"] != true {
		t.Errorf("pause = %v", resp)
	}
	resp = call(t, f.client, "QueueAction", map[string]any{"action": "resume", "id": entryID})
	if resp["entry"].(map[string]any)["status"] != "queued" {
		t.Errorf("resume = %v", resp)
	}
	call(t, f.client, "QueueAction", map[string]any{"action": "remove", "id": entryID})
	if n := len(f.queue.Entries()); n != 0 {
		t.Errorf("queue has %d entries after remove", n)
	}

	wantCode(t, f.client, "QueueAction", map[string]any{"action": "retry", "id": "missing"}, codes.NotFound)
	wantCode(t, f.client, "QueueAction", map[string]any{"action": "explode", "id": entryID}, codes.InvalidArgument)
	wantCode(t, f.client, "QueueAction", map[string]any{"action": "pause"}, codes.InvalidArgument)
	wantCode(t, f.client, "SendMessage", map[string]any{"thread_id": "a"}, codes.InvalidArgument)

	call(t, f.client, "SendMessage", map[string]any{"thread_id": "offline", "text": "again"})
	call(t, f.client, "QueueAction", map[string]any{"action": "clear"})
	if n := len(f.queue.Entries()); n != 0 {
		t.Errorf("queue has %d entries after clear", n)
	}
}

func TestPreferencesAndMarkRead(t *testing.T) {
	f := setup(t)
	call(t, f.client, "Refresh", nil)

	resp := call(t, f.client, "SetPreference", map[string]any{"thread_id": "a", "pinned": true})
	if resp["pinned"] != true || resp["muted"] != false {
		t.Errorf("preference = %v", resp)
	}
	if got := fmt.Sprint(threadIDs(call(t, f.client, "ListThreads", nil))); got != "[a b]" {
		t.Errorf("threads = %s, want pinned a first", got)
	}
	wantCode(t, f.client, "SetPreference", map[string]any{"thread_id": "a"}, codes.InvalidArgument)
	wantCode(t, f.client, "SetPreference", map[string]any{"thread_id": "a", "muted": "yes"}, codes.InvalidArgument)

	resp = call(t, f.client, "MarkRead", map[string]any{"thread_id": "b"})
	if resp["unread"] != float64(0) {
		t.Errorf("unread = %v, want 0", resp["unread"])
	}
	wantCode(t, f.client, "MarkRead", map[string]any{"thread_id": "nobody"}, codes.NotFound)
	wantCode(t, f.client, "MarkRead", nil, codes.InvalidArgument)
	call(t, f.client, "MarkRead", map[string]any{"all": true})
}

func TestStatus(t *testing.T) {
	f := setup(t)
	call(t, f.client, "Refresh", nil)
	call(t, f.client, "SendMessage", map[string]any{"thread_id": "offline", "text": "later"})

	resp := call(t, f.client, "Status", nil)
	if resp["profile"] != "test" || resp["display_name"] != "Me" {
		t.Errorf("status = %v", resp)
	}
	if resp["threads"] != float64(3) || resp["unread"] != float64(2) || resp["refreshes"] != float64(1) {
		t.Errorf("counts = %v", resp)
	}
	q := resp["queue"].(map[string]any)
	if q["total"] != float64(1) || q["queued"] != float64(1) || q["paused"] != float64(0) {
		t.Errorf("queue = %v", q)
	}
	backend := resp["backend"].(map[string]any)
	if backend["rpc_reachable"] != true || backend["relay_configured"] != false || backend["version"] != "0.9.2" {
		t.Errorf("backend = %v", backend)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan map[string]any, 16)
	go func() {
		_ = f.client.Watch(ctx, map[string]any{"namespace": "feed."}, func(evt map[string]any) error {
			events <- evt
			return nil
		})
	}()

	// The subscription is registered asynchronously; publish until seen.
	timeout := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-events:
			if evt["kind"] != status.ChangedKind || evt["profile"] != "test" || evt["event_id"] == "" {
				t.Errorf("event = %v", evt)
			}
			payload := evt["payload"].(map[string]any)
			if payload["from"] != "LIVE" || payload["to"] != "STALE" {
				t.Errorf("payload = %v", payload)
			}
			return
		case <-tick.C:
			f.bus.Publish(bus.Event{Kind: "queue.ignored", Timestamp: time.Now()})
			f.bus.Publish(bus.Event{
				Kind:      status.ChangedKind,
				Timestamp: time.Now(),
				Payload:   status.StatusChange{From: status.Live, To: status.Stale},
			})
		case <-timeout:
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestWatchRejectsUnknownNamespace(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.client.Watch(ctx, map[string]any{"namespace": "wa."}, func(map[string]any) error {
		t.Error("unexpected event")
		return nil
	})
	if got := grpcstatus.Code(err); got != codes.InvalidArgument {
		t.Errorf("Watch(wa.) code = %v, want InvalidArgument (err %v)", got, err)
	}
}
