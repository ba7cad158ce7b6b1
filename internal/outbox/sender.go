// Package outbox sends messages to the mesh daemon and drives the offline
// queue: failed sends are queued and retried on an adaptive poll.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
	"github.com/CoteTommy/Weft-App-sub000/internal/contract"
	"github.com/CoteTommy/Weft-App-sub000/internal/mesh"
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/queue"
	"github.com/CoteTommy/Weft-App-sub000/internal/sched"
	"github.com/CoteTommy/Weft-App-sub000/internal/threadstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageWarningKind is published when the queue could not be persisted.
// The payload is the queue.PersistResult.
const StorageWarningKind = bus.QueueNamespace + "storage_warning"

// ErrEmptyDraft is returned when a draft has no text, attachment or paper.
var ErrEmptyDraft = errors.New("empty draft")

// Poster posts a message to the mesh daemon.
type Poster interface {
	PostMessage(ctx context.Context, threadID string, msg mesh.OutgoingMessage) ([]byte, error)
}

// Threads receives optimistic messages and delivery outcomes.
type Threads interface {
	AppendLocalMessage(threadID string, msg model.Message)
	ApplyReceipt(rc contract.Receipt) bool
}

// Outcome describes a Send call.
type Outcome struct {
	MessageID string
	Queued    bool
	EntryID   string
	Detail    string
}

// Sender sends drafts and retries queued entries.
type Sender struct {
	queue   *queue.Manager
	poster  Poster
	threads Threads
	bus     *bus.Bus
	logger  *zap.Logger
	poller  *sched.Poller
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender polling the queue between pollMin and pollMax.
func NewSender(q *queue.Manager, poster Poster, threads Threads, b *bus.Bus, pollMin, pollMax time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:   q,
		poster:  poster,
		threads: threads,
		bus:     b,
		logger:  logger,
		poller:  sched.NewPoller(pollMin, pollMax),
		now:     time.Now,
	}
}

// Start begins polling the queue and following thread snapshots.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	var snapshots <-chan bus.Event
	unsub := func() {}
	if s.bus != nil {
		snapshots, unsub = s.bus.Subscribe(threadstore.SnapshotKind, 16)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.poller.Run(ctx, s.tick)
	}()
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-snapshots:
				if snap, ok := evt.Payload.(threadstore.Snapshot); ok {
					s.warn(s.queue.Sync(snap.Threads))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sender loops and waits for an attempt in progress.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SetHidden slows queue polling while nobody is watching.
func (s *Sender) SetHidden(hidden bool) {
	s.poller.SetHidden(hidden)
}

// Kick makes the poller look for due entries now.
func (s *Sender) Kick() {
	s.poller.Kick()
}

// Send shows draft in the thread as sending and posts it. A failed or
// rejected post is queued for retry rather than returned as an error.
func (s *Sender) Send(ctx context.Context, threadID, messageID string, draft queue.Draft) (Outcome, error) {
	if draft.Text == "" && len(draft.Attachments) == 0 && draft.Paper == nil {
		return Outcome{}, ErrEmptyDraft
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	nowMs := s.now().UnixMilli()
	s.threads.AppendLocalMessage(threadID, model.Message{
		ID:          messageID,
		Body:        draft.Text,
		Attachments: draft.Attachments,
		Paper:       draft.Paper,
		Status:      model.StatusSending,
		SentAtMs:    nowMs,
	})

	res := s.post(ctx, threadID, messageID, draft)
	receipt := contract.Receipt{
		MessageID:    messageID,
		Status:       res.status,
		StatusDetail: res.detail,
		ReasonCode:   res.reason,
		AtMs:         s.now().UnixMilli(),
	}
	out := Outcome{MessageID: messageID, Detail: res.detail}
	if res.status != model.StatusFailed {
		s.threads.ApplyReceipt(receipt)
		s.logger.Info("message sent", zap.String("thread_id", threadID), zap.String("msg_id", messageID))
		return out, nil
	}

	// Queued before the failure is shown so snapshot reconciliation finds
	// the message already represented.
	e := queue.NewSendErrorEntry(threadID, messageID, draft, res.detail, s.now().UnixMilli())
	s.warn(s.queue.Enqueue(e))
	s.threads.ApplyReceipt(receipt)
	s.logger.Warn("send failed, queued for retry",
		zap.String("thread_id", threadID),
		zap.String("msg_id", messageID),
		zap.String("entry_id", e.ID),
		zap.String("reason", string(e.ReasonCode)),
	)
	out.Queued = true
	out.EntryID = e.ID
	return out, nil
}

type postResult struct {
	status model.DeliveryStatus
	detail string
	reason model.ReasonCode
}

func failed(detail string) postResult {
	return postResult{status: model.StatusFailed, detail: detail, reason: model.ReasonCodeFromDetail(detail)}
}

func (s *Sender) post(ctx context.Context, threadID, messageID string, draft queue.Draft) postResult {
	raw, err := s.poster.PostMessage(ctx, threadID, mesh.OutgoingMessage{
		MessageID:   messageID,
		Body:        draft.Text,
		Attachments: draft.Attachments,
		Paper:       draft.Paper,
	})
	if err != nil {
		return failed("failed: " + err.Error())
	}
	sr, err := contract.ParseSendResult(raw)
	if err != nil {
		s.logger.Error("invalid send result", zap.String("msg_id", messageID), zap.Error(err))
		return failed("failed: " + err.Error())
	}
	if sr.Rejected() {
		return failed(*sr.BackendStatus)
	}
	if sr.MessageID != nil && *sr.MessageID != messageID {
		s.logger.Debug("daemon assigned a different message id",
			zap.String("msg_id", messageID), zap.String("daemon_msg_id", *sr.MessageID))
	}
	res := postResult{status: model.StatusSent}
	if sr.BackendStatus != nil {
		res.detail = *sr.BackendStatus
		if st := model.DeliveryStatusFromBackend(*sr.BackendStatus); st == model.StatusDelivered {
			res.status = st
		}
	}
	return res
}

// tick retries the next due entry and reports whether there was one.
func (s *Sender) tick(ctx context.Context) bool {
	e, ok := s.queue.NextDue()
	if !ok {
		return false
	}
	s.attempt(ctx, e.ID)
	return true
}

func (s *Sender) attempt(ctx context.Context, id string) {
	e, pr, err := s.queue.BeginAttempt(id)
	if err != nil {
		s.logger.Debug("skipping queue entry", zap.String("entry_id", id), zap.Error(err))
		return
	}
	s.warn(pr)

	// The message keeps its failed status while the retry is in flight; the
	// delivery trace records one entry per attempt outcome.
	res := s.post(ctx, e.ThreadID, e.MessageID, e.Draft)
	if res.status != model.StatusFailed {
		if pr, err := s.queue.Delivered(id); err != nil {
			s.logger.Error("failed to clear sent entry", zap.String("entry_id", id), zap.Error(err))
		} else {
			s.warn(pr)
		}
		s.threads.ApplyReceipt(contract.Receipt{
			MessageID:    e.MessageID,
			Status:       res.status,
			StatusDetail: res.detail,
			AtMs:         s.now().UnixMilli(),
		})
		s.logger.Info("queued message sent",
			zap.String("entry_id", id), zap.String("msg_id", e.MessageID), zap.Int("attempts", e.Attempts+1))
		return
	}

	e, pr, err = s.queue.AttemptFailed(id, res.detail)
	if err != nil {
		s.logger.Error("failed to record attempt", zap.String("entry_id", id), zap.Error(err))
		return
	}
	s.warn(pr)
	s.threads.ApplyReceipt(contract.Receipt{
		MessageID:    e.MessageID,
		Status:       model.StatusFailed,
		StatusDetail: res.detail,
		ReasonCode:   e.ReasonCode,
		AtMs:         s.now().UnixMilli(),
	})
	if e.ReasonCode == model.ReasonRetryBudgetExhausted {
		s.logger.Warn("retry budget exhausted, entry paused",
			zap.String("entry_id", id), zap.Int("attempts", e.Attempts), zap.String("last_error", e.LastError))
		return
	}
	if e.Status == queue.StatusPaused {
		s.logger.Info("retry failed, entry stays paused", zap.String("entry_id", id), zap.Int("attempts", e.Attempts))
		return
	}
	s.logger.Info("retry failed",
		zap.String("entry_id", id),
		zap.Int("attempts", e.Attempts),
		zap.Time("next_retry_at", time.UnixMilli(e.NextRetryAtMs)),
		zap.String("reason", string(e.ReasonCode)),
	)
}

func (s *Sender) warn(pr queue.PersistResult) {
	if pr.OK {
		return
	}
	s.logger.Warn("offline queue not persisted", zap.String("code", pr.Code), zap.String("message", pr.Message))
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: StorageWarningKind, Timestamp: s.now(), Payload: pr})
	}
}
