package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
	"github.com/CoteTommy/Weft-App-sub000/internal/contract"
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/outbox"
	"github.com/CoteTommy/Weft-App-sub000/internal/queue"
	"github.com/CoteTommy/Weft-App-sub000/internal/status"
	intsync "github.com/CoteTommy/Weft-App-sub000/internal/sync"
	"github.com/CoteTommy/Weft-App-sub000/internal/threadstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Prober reads the mesh daemon's reachability report.
type Prober interface {
	Probe(ctx context.Context) ([]byte, error)
}

// Control implements ControlServer on top of the daemon's components.
type Control struct {
	profile   string
	startedAt time.Time
	threads   *threadstore.Store
	queue     *queue.Manager
	sender    *outbox.Sender
	feed      *intsync.Reconciler
	prober    Prober
	bus       *bus.Bus
	logger    *zap.Logger

	watchers  atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

// NewControl creates the control service. prober may be nil, in which case
// Status reports no backend section.
func NewControl(
	profile string,
	threads *threadstore.Store,
	q *queue.Manager,
	sender *outbox.Sender,
	feed *intsync.Reconciler,
	prober Prober,
	b *bus.Bus,
	logger *zap.Logger,
) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		profile:   profile,
		startedAt: time.Now(),
		threads:   threads,
		queue:     q,
		sender:    sender,
		feed:      feed,
		prober:    prober,
		bus:       b,
		logger:    logger,
		closed:    make(chan struct{}),
	}
}

// Close ends open Watch streams so the server can stop gracefully.
func (c *Control) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

var _ ControlServer = (*Control)(nil)

func (c *Control) ListThreads(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	more, err := boolArg(in, "more")
	if err != nil {
		return nil, err
	}
	if more != nil && *more {
		if err := c.threads.LoadMoreThreads(ctx); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "load threads: %v", err)
		}
	}
	snap := c.threads.Snapshot()
	threads := make([]any, 0, len(snap.Threads))
	for _, t := range snap.Threads {
		threads = append(threads, threadValue(t))
	}
	return reply(map[string]any{
		"threads":  threads,
		"active":   snap.Active,
		"has_more": c.threads.HasMoreThreads(),
	})
}

func (c *Control) GetThread(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringArg(in, "id", true)
	if err != nil {
		return nil, err
	}
	name, err := stringArg(in, "name", false)
	if err != nil {
		return nil, err
	}
	create, err := boolArg(in, "create")
	if err != nil {
		return nil, err
	}
	older, err := boolArg(in, "older")
	if err != nil {
		return nil, err
	}

	if _, ok := c.threads.Thread(id); !ok {
		if create == nil || !*create {
			return nil, grpcstatus.Errorf(codes.NotFound, "thread %q not found", id)
		}
		c.threads.CreateDraftThread(id, name)
	}
	if err := c.threads.SelectThread(ctx, id); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "load messages: %v", err)
	}
	if older != nil && *older {
		if err := c.threads.LoadOlderMessages(ctx, id); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "load older messages: %v", err)
		}
	}

	t, ok := c.threads.Thread(id)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "thread %q not found", id)
	}
	v := threadValue(t)
	msgs := make([]any, 0, len(t.Messages))
	for _, m := range t.Messages {
		msgs = append(msgs, messageValue(m))
	}
	v["messages"] = msgs
	return reply(map[string]any{"thread": v})
}

func (c *Control) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := stringArg(in, "thread_id", true)
	if err != nil {
		return nil, err
	}
	text, err := stringArg(in, "text", false)
	if err != nil {
		return nil, err
	}
	messageID, err := stringArg(in, "message_id", false)
	if err != nil {
		return nil, err
	}
	paperURI, err := stringArg(in, "paper_uri", false)
	if err != nil {
		return nil, err
	}
	paperTitle, err := stringArg(in, "paper_title", false)
	if err != nil {
		return nil, err
	}

	draft := queue.Draft{Text: text}
	if paperURI != "" {
		draft.Paper = &model.Paper{URI: paperURI, Title: paperTitle}
	}
	out, err := c.sender.Send(ctx, threadID, messageID, draft)
	if errors.Is(err, outbox.ErrEmptyDraft) {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message has no text or paper")
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
	v := map[string]any{
		"message_id": out.MessageID,
		"queued":     out.Queued,
	}
	if out.EntryID != "" {
		v["entry_id"] = out.EntryID
	}
	if out.Detail != "" {
		v["detail"] = out.Detail
	}
	return reply(v)
}

func (c *Control) ListQueue(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entries := c.queue.Entries()
	items := make([]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryValue(e))
	}
	return reply(map[string]any{"entries": items})
}

func (c *Control) QueueAction(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	action, err := stringArg(in, "action", true)
	if err != nil {
		return nil, err
	}
	id, err := stringArg(in, "id", action != "clear")
	if err != nil {
		return nil, err
	}

	var (
		e  queue.Entry
		pr queue.PersistResult
	)
	switch action {
	case "retry":
		e, pr, err = c.queue.RetryNow(id)
	case "pause":
		e, pr, err = c.queue.Pause(id)
	case "resume":
		e, pr, err = c.queue.Resume(id)
	case "remove":
		pr, err = c.queue.Remove(id)
	case "clear":
		pr = c.queue.Clear()
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown queue action %q", action)
	}
	switch {
	case errors.Is(err, queue.ErrEntryNotFound):
		return nil, grpcstatus.Errorf(codes.NotFound, "queue entry %q not found", id)
	case errors.Is(err, queue.ErrNotQueued):
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "queue entry %q is being sent", id)
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "%s: %v", action, err)
	}
	if action == "retry" || action == "resume" {
		c.sender.Kick()
	}
	c.logger.Info("queue action", zap.String("action", action), zap.String("entry_id", id))

	v := persistValue(pr)
	if e.ID != "" {
		v["entry"] = entryValue(e)
	}
	return reply(v)
}

func (c *Control) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := c.feed.Refresh(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "refresh: %v", err)
	}
	return reply(map[string]any{"refreshed": true})
}

func (c *Control) SetPreference(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := stringArg(in, "thread_id", true)
	if err != nil {
		return nil, err
	}
	pinned, err := boolArg(in, "pinned")
	if err != nil {
		return nil, err
	}
	muted, err := boolArg(in, "muted")
	if err != nil {
		return nil, err
	}
	if pinned == nil && muted == nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, "pinned or muted is required")
	}
	if pinned != nil {
		if err := c.threads.SetPinned(threadID, *pinned); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "save preference: %v", err)
		}
	}
	if muted != nil {
		if err := c.threads.SetMuted(threadID, *muted); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "save preference: %v", err)
		}
	}
	v := map[string]any{"thread_id": threadID}
	if t, ok := c.threads.Thread(threadID); ok {
		v["pinned"] = t.Pinned
		v["muted"] = t.Muted
	}
	return reply(v)
}

func (c *Control) MarkRead(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := stringArg(in, "thread_id", false)
	if err != nil {
		return nil, err
	}
	all, err := boolArg(in, "all")
	if err != nil {
		return nil, err
	}
	switch {
	case all != nil && *all:
		c.threads.MarkAllRead()
	case threadID != "":
		if _, ok := c.threads.Thread(threadID); !ok {
			return nil, grpcstatus.Errorf(codes.NotFound, "thread %q not found", threadID)
		}
		c.threads.MarkRead(threadID)
	default:
		return nil, grpcstatus.Error(codes.InvalidArgument, "thread_id or all is required")
	}
	return reply(map[string]any{"unread": unreadTotal(c.threads.Snapshot().Threads)})
}

func (c *Control) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := c.feed.Stats()
	snap := c.threads.Snapshot()

	counts := map[string]any{}
	entries := c.queue.Entries()
	for _, s := range []queue.Status{queue.StatusQueued, queue.StatusSending, queue.StatusPaused} {
		counts[string(s)] = 0
	}
	for _, e := range entries {
		counts[string(e.Status)] = counts[string(e.Status)].(int) + 1
	}
	counts["total"] = len(entries)

	v := map[string]any{
		"profile":            c.profile,
		"display_name":       c.threads.DisplayName(),
		"uptime_ms":          time.Since(c.startedAt).Milliseconds(),
		"state":              string(st.State),
		"last_event_at_ms":   unixMs(st.LastEventAt),
		"last_refresh_at_ms": unixMs(st.LastRefreshAt),
		"events":             st.Events,
		"refreshes":          st.Refreshes,
		"threads":            len(snap.Threads),
		"unread":             unreadTotal(snap.Threads),
		"active":             snap.Active,
		"queue":              counts,
		"watchers":           int(c.watchers.Load()),
		"events_dropped":     c.bus.Dropped(),
	}
	if c.prober != nil {
		v["backend"] = c.probe(ctx)
	}
	return reply(v)
}

func (c *Control) probe(ctx context.Context) map[string]any {
	raw, err := c.prober.Probe(ctx)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	rep, err := contract.ParseProbeReport(raw)
	if err != nil {
		c.logger.Error("invalid probe report", zap.Error(err))
		return map[string]any{"error": err.Error()}
	}
	v := map[string]any{
		"rpc_reachable":    rep.RPCReachable,
		"rpc_endpoint":     rep.RPCEndpoint,
		"events_reachable": rep.EventsReachable,
		"relay_configured": rep.RelayConfigured,
		"version":          rep.Version,
	}
	if rep.RelayAddress != nil {
		v["relay_address"] = *rep.RelayAddress
	}
	return v
}

// Watch streams bus events whose kind starts with the optional namespace
// argument until the client goes away. Queue polling runs at full rate
// only while at least one client is watching.
func (c *Control) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	namespace, err := stringArg(in, "namespace", false)
	if err != nil {
		return err
	}
	if !bus.ValidNamespace(namespace) {
		return grpcstatus.Errorf(codes.InvalidArgument, "unknown namespace %q", namespace)
	}
	ch, unsub := c.bus.Subscribe(namespace, 256)
	defer unsub()

	if c.watchers.Add(1) == 1 {
		c.sender.SetHidden(false)
	}
	defer func() {
		if c.watchers.Add(-1) == 0 {
			c.sender.SetHidden(true)
		}
	}()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"event_id":            uuid.NewString(),
				"profile":             c.profile,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
				"kind":                evt.Kind,
				"payload":             eventPayload(evt),
			})
			if err != nil {
				c.logger.Error("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-c.closed:
			return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
		}
	}
}

func eventPayload(evt bus.Event) map[string]any {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	case threadstore.Snapshot:
		return map[string]any{
			"threads": len(p.Threads),
			"unread":  unreadTotal(p.Threads),
			"active":  p.Active,
		}
	case queue.PersistResult:
		return persistValue(p)
	}
	return map[string]any{}
}

func unreadTotal(threads []model.Thread) int {
	n := 0
	for _, t := range threads {
		n += t.Unread
	}
	return n
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
