package reducer

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/google/go-cmp/cmp"
)

func ids(threads []model.Thread) []string {
	out := make([]string, len(threads))
	for i, t := range threads {
		out[i] = t.ID
	}
	return out
}

func sameSlice(a, b []model.Thread) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

func TestOrderThreadsExample(t *testing.T) {
	threads := []model.Thread{
		{ID: "peer-c", LastActivityAtMs: 100},
		{ID: "peer-b", LastActivityAtMs: 50, Pinned: true},
		{ID: "peer-d", LastActivityAtMs: 100},
	}
	got := ids(OrderThreads(threads))
	want := []string{"peer-b", "peer-c", "peer-d"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OrderThreads mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderThreadsInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		var threads []model.Thread
		for i := 0; i < 20; i++ {
			threads = append(threads, model.Thread{
				ID:               fmt.Sprintf("t%02d", rng.Intn(40)),
				Pinned:           rng.Intn(4) == 0,
				LastActivityAtMs: int64(rng.Intn(5)),
			})
		}
		got := OrderThreads(threads)
		for i := 1; i < len(got); i++ {
			a, b := got[i-1], got[i]
			switch {
			case !a.Pinned && b.Pinned:
				t.Fatalf("round %d: unpinned %s before pinned %s", round, a.ID, b.ID)
			case a.Pinned == b.Pinned && a.LastActivityAtMs < b.LastActivityAtMs:
				t.Fatalf("round %d: activity regressed at %d", round, i)
			case a.Pinned == b.Pinned && a.LastActivityAtMs == b.LastActivityAtMs && a.ID > b.ID:
				t.Fatalf("round %d: ids out of order at %d", round, i)
			}
		}
	}
}

func TestOrderThreadsSortedIsIdentity(t *testing.T) {
	threads := []model.Thread{{ID: "a", LastActivityAtMs: 2}, {ID: "b", LastActivityAtMs: 1}}
	if got := OrderThreads(threads); !sameSlice(got, threads) {
		t.Error("sorted input should be returned as is")
	}
}

func TestHydrateThreadsDropsCollidingDrafts(t *testing.T) {
	auth := []model.Thread{{ID: "a", Name: "Alice", LastActivityAtMs: 10}}
	drafts := []model.Thread{
		{ID: "a", Name: "a", Draft: true},
		{ID: "z", Name: "z", Draft: true},
	}
	got := HydrateThreads(auth, drafts)
	want := []model.Thread{
		{ID: "a", Name: "Alice", LastActivityAtMs: 10},
		{ID: "z", Name: "z", Draft: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HydrateThreads mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertRuntimeMessageNewThread(t *testing.T) {
	threads := []model.Thread{{ID: "a", LastActivityAtMs: 10}}
	derived := model.Thread{ID: "b", Name: "Bob", LastActivityAtMs: 20}
	msg := model.Message{ID: "m1", Role: model.RolePeer, Body: "hi", SentAtMs: 20}

	got := UpsertRuntimeMessage(threads, derived, msg, true)
	if diff := cmp.Diff([]string{"b", "a"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if got[0].Unread != 1 || got[0].Preview != "hi" || got[0].Messages[0].ThreadID != "b" {
		t.Errorf("new thread = %+v", got[0])
	}
	if len(threads) != 1 || threads[0].ID != "a" {
		t.Error("input was mutated")
	}
}

func TestUpsertRuntimeMessageIdempotent(t *testing.T) {
	threads := []model.Thread{{
		ID:               "a",
		Name:             "Alice",
		LastActivityAtMs: 10,
		Messages:         []model.Message{{ID: "m0", ThreadID: "a", Role: model.RolePeer, Body: "old", SentAtMs: 10}},
	}}
	derived := model.Thread{ID: "a", Name: "Alice", LastActivityAtMs: 30}
	msg := model.Message{ID: "m1", Role: model.RolePeer, Body: "new", SentAtMs: 30}

	once := UpsertRuntimeMessage(threads, derived, msg, true)
	twice := UpsertRuntimeMessage(once, derived, msg, true)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("second upsert changed state (-once +twice):\n%s", diff)
	}
	if once[0].Unread != 1 || len(once[0].Messages) != 2 || once[0].Preview != "new" {
		t.Errorf("thread = %+v", once[0])
	}
}

func TestUpsertRuntimeMessageActivityNeverRegresses(t *testing.T) {
	threads := []model.Thread{{ID: "a", LastActivityAtMs: 500, Preview: "latest"}}
	late := model.Message{ID: "m-old", Role: model.RolePeer, Body: "stale", SentAtMs: 100}
	got := UpsertRuntimeMessage(threads, model.Thread{ID: "a", LastActivityAtMs: 100}, late, false)
	if got[0].LastActivityAtMs != 500 {
		t.Errorf("LastActivityAtMs = %d, want 500", got[0].LastActivityAtMs)
	}
	if got[0].Preview != "latest" {
		t.Errorf("Preview = %q, want latest", got[0].Preview)
	}
}

func TestUpsertRuntimeMessageKeepsConfirmedStatus(t *testing.T) {
	threads := []model.Thread{{
		ID:       "a",
		Messages: []model.Message{{ID: "m1", Role: model.RoleSelf, Body: "x", Status: model.StatusDelivered, SentAtMs: 5}},
	}}
	echo := model.Message{ID: "m1", Role: model.RoleSelf, Body: "x", Status: model.StatusSending, SentAtMs: 5}
	got := UpsertRuntimeMessage(threads, model.Thread{ID: "a"}, echo, false)
	if got[0].Messages[0].Status != model.StatusDelivered {
		t.Errorf("Status = %q, want delivered", got[0].Messages[0].Status)
	}
}

func TestApplyReceiptUpdate(t *testing.T) {
	threads := []model.Thread{
		{ID: "a"},
		{ID: "b", Messages: []model.Message{{ID: "m1", Role: model.RoleSelf, Status: model.StatusSending}}},
	}
	got, found := ApplyReceiptUpdate(threads, ReceiptUpdate{
		MessageID:    "m1",
		Status:       model.StatusFailed,
		StatusDetail: "failed: no path",
		ReasonCode:   model.ReasonNoPath,
		AtMs:         42,
	})
	if !found {
		t.Fatal("expected found")
	}
	m := got[1].Messages[0]
	want := model.Message{
		ID:            "m1",
		Role:          model.RoleSelf,
		Status:        model.StatusFailed,
		StatusDetail:  "failed: no path",
		ReasonCode:    model.ReasonNoPath,
		DeliveryTrace: []model.DeliveryTraceEntry{{Status: model.StatusFailed, AtMs: 42, ReasonCode: model.ReasonNoPath}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
	if threads[1].Messages[0].Status != model.StatusSending {
		t.Error("input was mutated")
	}

	again, _ := ApplyReceiptUpdate(got, ReceiptUpdate{MessageID: "m1", Status: model.StatusFailed, ReasonCode: model.ReasonNoPath, AtMs: 43})
	if !sameSlice(again, got) {
		t.Error("duplicate receipt should be a no-op")
	}

	if _, found := ApplyReceiptUpdate(threads, ReceiptUpdate{MessageID: "nope", Status: model.StatusSent}); found {
		t.Error("unknown message reported as found")
	}
}

func TestApplyReceiptUpdateCapsTrace(t *testing.T) {
	threads := []model.Thread{{ID: "a", Messages: []model.Message{{ID: "m1", Role: model.RoleSelf}}}}
	statuses := []model.DeliveryStatus{model.StatusSending, model.StatusSent}
	for i := 0; i < 40; i++ {
		threads, _ = ApplyReceiptUpdate(threads, ReceiptUpdate{MessageID: "m1", Status: statuses[i%2], AtMs: int64(i)})
	}
	trace := threads[0].Messages[0].DeliveryTrace
	if len(trace) != model.MaxDeliveryTrace {
		t.Fatalf("trace len = %d, want %d", len(trace), model.MaxDeliveryTrace)
	}
	if trace[len(trace)-1].AtMs != 39 || trace[0].AtMs != 8 {
		t.Errorf("trace window = [%d..%d], want [8..39]", trace[0].AtMs, trace[len(trace)-1].AtMs)
	}
}

func TestMutationHelpersNoOp(t *testing.T) {
	threads := []model.Thread{
		{ID: "a", LastActivityAtMs: 2, Messages: []model.Message{{ID: "m", Role: model.RoleSelf, Author: "me"}}},
		{ID: "b", LastActivityAtMs: 1},
	}
	tests := []struct {
		name string
		fn   func([]model.Thread) []model.Thread
	}{
		{"MarkRead", func(ts []model.Thread) []model.Thread { return MarkRead(ts, "a") }},
		{"MarkReadMissing", func(ts []model.Thread) []model.Thread { return MarkRead(ts, "zz") }},
		{"MarkAllRead", MarkAllRead},
		{"SetPinned", func(ts []model.Thread) []model.Thread { return SetPinned(ts, "a", false) }},
		{"SetMuted", func(ts []model.Thread) []model.Thread { return SetMuted(ts, "b", false) }},
		{"RewriteSelfAuthor", func(ts []model.Thread) []model.Thread { return RewriteSelfAuthor(ts, "me") }},
		{"ApplyPreferences", func(ts []model.Thread) []model.Thread { return ApplyPreferences(ts, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(threads); !sameSlice(got, threads) {
				t.Errorf("%s returned a new slice for a no-op", tt.name)
			}
		})
	}
}

func TestMutationHelpers(t *testing.T) {
	threads := []model.Thread{
		{ID: "a", LastActivityAtMs: 2, Unread: 3, Messages: []model.Message{
			{ID: "m1", Role: model.RoleSelf, Author: "old"},
			{ID: "m2", Role: model.RolePeer, Author: "peer"},
		}},
		{ID: "b", LastActivityAtMs: 1, Unread: 1},
	}

	if got := MarkRead(threads, "a"); got[0].Unread != 0 || got[1].Unread != 1 {
		t.Errorf("MarkRead = %v/%v", got[0].Unread, got[1].Unread)
	}
	if got := MarkAllRead(threads); got[0].Unread != 0 || got[1].Unread != 0 {
		t.Error("MarkAllRead left unread counters")
	}
	if got := SetPinned(threads, "b", true); ids(got)[0] != "b" {
		t.Errorf("SetPinned order = %v", ids(got))
	}
	if got := SetMuted(threads, "b", true); !got[1].Muted {
		t.Error("SetMuted did not mute")
	}
	got := RewriteSelfAuthor(threads, "new")
	if got[0].Messages[0].Author != "new" || got[0].Messages[1].Author != "peer" {
		t.Errorf("RewriteSelfAuthor = %+v", got[0].Messages)
	}
	if threads[0].Messages[0].Author != "old" {
		t.Error("input was mutated")
	}
	prefs := map[string]model.ThreadPreference{"b": {Pinned: true, Muted: true}}
	got = ApplyPreferences(threads, prefs)
	if ids(got)[0] != "b" || !got[0].Muted {
		t.Errorf("ApplyPreferences = %+v", got)
	}
}

func TestThreadPreview(t *testing.T) {
	tests := []struct {
		name string
		msgs []model.Message
		want string
	}{
		{"empty", nil, "No messages yet"},
		{"body", []model.Message{{Body: "older"}, {Body: "  newest "}}, "newest"},
		{"one attachment", []model.Message{{Attachments: []model.Attachment{{Name: "a"}}}}, "1 attachment"},
		{"attachments", []model.Message{{Attachments: []model.Attachment{{Name: "a"}, {Name: "b"}}}}, "2 attachments"},
		{"paper", []model.Message{{Paper: &model.Paper{URI: "u", Title: "Field notes"}}}, "Field notes"},
		{"blank", []model.Message{{Body: " "}}, "No messages yet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThreadPreview(tt.msgs); got != tt.want {
				t.Errorf("ThreadPreview() = %q, want %q", got, tt.want)
			}
		})
	}
}
