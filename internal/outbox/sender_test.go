package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
	"github.com/CoteTommy/Weft-App-sub000/internal/contract"
	"github.com/CoteTommy/Weft-App-sub000/internal/mesh"
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/queue"
	"github.com/CoteTommy/Weft-App-sub000/internal/store"
	"github.com/CoteTommy/Weft-App-sub000/internal/threadstore"
)

// mockPoster records calls and returns configurable results.
type mockPoster struct {
	mu    sync.Mutex
	calls []postCall
	body  string
	err   error
}

type postCall struct {
	ThreadID string
	Msg      mesh.OutgoingMessage
}

func (m *mockPoster) PostMessage(_ context.Context, threadID string, msg mesh.OutgoingMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, postCall{ThreadID: threadID, Msg: msg})
	if m.err != nil {
		return nil, m.err
	}
	return []byte(m.body), nil
}

func (m *mockPoster) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fixture struct {
	sender  *Sender
	queue   *queue.Manager
	threads *threadstore.Store
	bus     *bus.Bus
}

func setup(t *testing.T, quota int64, poster *mockPoster) fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), quota)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	p, err := queue.NewPersister(db, db, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	ts, err := threadstore.New(nil, nil, b, threadstore.Options{DisplayName: "Me"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ts.Close)
	q := queue.NewManager(p, nil)
	s := NewSender(q, poster, ts, b, 5*time.Millisecond, 20*time.Millisecond, nil)
	return fixture{sender: s, queue: q, threads: ts, bus: b}
}

func message(t *testing.T, ts *threadstore.Store, threadID, msgID string) model.Message {
	t.Helper()
	th, ok := ts.Thread(threadID)
	if !ok {
		t.Fatalf("thread %s not found", threadID)
	}
	for _, m := range th.Messages {
		if m.ID == msgID {
			return m
		}
	}
	t.Fatalf("message %s not in thread %s", msgID, threadID)
	return model.Message{}
}

func contractReceipt(msgID, detail string) contract.Receipt {
	return contract.Receipt{
		MessageID:    msgID,
		Status:       model.StatusFailed,
		StatusDetail: detail,
		ReasonCode:   model.ReasonCodeFromDetail(detail),
		AtMs:         2,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendAccepted(t *testing.T) {
	poster := &mockPoster{body: `{"message_id": "m1", "backend_status": "sent"}`}
	f := setup(t, 0, poster)

	out, err := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Queued {
		t.Errorf("outcome = %+v, want not queued", out)
	}
	if poster.calls[0].ThreadID != "peer" || poster.calls[0].Msg.Body != "hello" || poster.calls[0].Msg.MessageID != "m1" {
		t.Errorf("call = %+v", poster.calls[0])
	}
	m := message(t, f.threads, "peer", "m1")
	if m.Status != model.StatusSent || m.Author != "Me" || m.Role != model.RoleSelf {
		t.Errorf("message = %+v", m)
	}
	if n := len(f.queue.Entries()); n != 0 {
		t.Errorf("queue has %d entries, want 0", n)
	}
}

func TestSendWithoutResultFieldsIsAccepted(t *testing.T) {
	f := setup(t, 0, &mockPoster{body: `{}`})
	out, err := f.sender.Send(context.Background(), "peer", "", queue.Draft{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Queued || out.MessageID == "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSendRejectedIsQueued(t *testing.T) {
	poster := &mockPoster{body: `{"backend_status": "failed: no propagation relay selected"}`}
	f := setup(t, 0, poster)

	out, err := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Queued {
		t.Fatalf("outcome = %+v, want queued", out)
	}
	e, ok := f.queue.Get(out.EntryID)
	if !ok {
		t.Fatal("entry not in queue")
	}
	if e.Source != queue.SourceSendError || e.ReasonCode != model.ReasonRelayUnset || e.Status != queue.StatusQueued {
		t.Errorf("entry = %+v", e)
	}
	m := message(t, f.threads, "peer", "m1")
	if m.Status != model.StatusFailed || m.ReasonCode != model.ReasonRelayUnset {
		t.Errorf("message = %+v", m)
	}
}

func TestSendTransportErrorIsQueued(t *testing.T) {
	f := setup(t, 0, &mockPoster{err: errors.New("dial unix: no route to daemon")})
	out, err := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Queued || !strings.Contains(out.Detail, "no route") {
		t.Errorf("outcome = %+v", out)
	}
	e, _ := f.queue.Get(out.EntryID)
	if e.ReasonCode != model.ReasonNoPath {
		t.Errorf("reason = %q, want no_path", e.ReasonCode)
	}
}

func TestSendEmptyDraft(t *testing.T) {
	poster := &mockPoster{}
	f := setup(t, 0, poster)
	if _, err := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{}); !errors.Is(err, ErrEmptyDraft) {
		t.Errorf("Send() error = %v, want ErrEmptyDraft", err)
	}
	if poster.callCount() != 0 {
		t.Error("empty draft was posted")
	}
}

func TestSenderRetriesDueEntry(t *testing.T) {
	poster := &mockPoster{err: errors.New("request timed out")}
	f := setup(t, 0, poster)
	out, _ := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{Text: "hello"})

	poster.mu.Lock()
	poster.err = nil
	poster.body = `{"message_id": "m1"}`
	poster.mu.Unlock()
	if _, _, err := f.queue.RetryNow(out.EntryID); err != nil {
		t.Fatal(err)
	}

	f.sender.Start(context.Background())
	defer f.sender.Stop()

	waitFor(t, "queue to drain", func() bool { return len(f.queue.Entries()) == 0 })
	waitFor(t, "sent receipt", func() bool {
		return message(t, f.threads, "peer", "m1").Status == model.StatusSent
	})
	if n := poster.callCount(); n != 2 {
		t.Errorf("posted %d times, want 2", n)
	}
}

func TestSenderRetryFailureBacksOff(t *testing.T) {
	poster := &mockPoster{err: errors.New("request timed out")}
	f := setup(t, 0, poster)
	out, _ := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{Text: "hello"})
	if _, _, err := f.queue.RetryNow(out.EntryID); err != nil {
		t.Fatal(err)
	}

	f.sender.Start(context.Background())
	waitFor(t, "retry attempt", func() bool { return poster.callCount() >= 2 })
	f.sender.Stop()

	e, ok := f.queue.Get(out.EntryID)
	if !ok {
		t.Fatal("entry dropped after a failed retry")
	}
	if e.Attempts != 1 || e.Status != queue.StatusQueued || e.ReasonCode != model.ReasonTimeout {
		t.Errorf("entry = %+v", e)
	}
	if e.NextRetryAtMs <= time.Now().UnixMilli() {
		t.Error("failed retry is due again immediately")
	}
	if n := poster.callCount(); n != 2 {
		t.Errorf("posted %d times, want 2", n)
	}
	// One outcome per attempt and no intermediate "sending" step.
	for _, tr := range message(t, f.threads, "peer", "m1").DeliveryTrace {
		if tr.Status != model.StatusFailed {
			t.Errorf("delivery trace has %q entry, want only failed outcomes", tr.Status)
		}
	}
}

func TestSnapshotsFeedQueue(t *testing.T) {
	f := setup(t, 0, &mockPoster{})
	f.sender.Start(context.Background())
	defer f.sender.Stop()

	// A failure reported by the feed rather than by our own post.
	f.threads.AppendLocalMessage("peer", model.Message{ID: "m7", Body: "later", Status: model.StatusSending, SentAtMs: 1})
	f.threads.ApplyReceipt(contractReceipt("m7", "failed: no path to peer"))

	waitFor(t, "reconciled entry", func() bool {
		_, ok := f.queue.Get(queue.FailedKey("m7"))
		return ok
	})
	e, _ := f.queue.Get(queue.FailedKey("m7"))
	if e.Source != queue.SourceFailedMessage || e.ReasonCode != model.ReasonNoPath || e.Draft.Text != "later" {
		t.Errorf("entry = %+v", e)
	}
}

func TestStorageWarningPublished(t *testing.T) {
	f := setup(t, 64, &mockPoster{err: errors.New("timeout")})
	ch, unsub := f.bus.Subscribe("queue.", 10)
	defer unsub()

	out, err := f.sender.Send(context.Background(), "peer", "m1", queue.Draft{Text: strings.Repeat("x", 200)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Queued {
		t.Fatal("entry should stay queued in memory when persisting fails")
	}
	select {
	case evt := <-ch:
		if evt.Kind != StorageWarningKind {
			t.Errorf("event kind = %q, want %s", evt.Kind, StorageWarningKind)
		}
		pr, ok := evt.Payload.(queue.PersistResult)
		if !ok || pr.Code != queue.CodeQuota {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for storage warning")
	}
}
