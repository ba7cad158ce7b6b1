package sync

import (
	"github.com/CoteTommy/Weft-App-sub000/internal/contract"
	"go.uber.org/zap"
)

// applyFrames parses a flushed batch, merges its messages and receipts
// through the thread view in one step and reports whether a full refresh
// is needed. Malformed envelopes are dropped.
func (r *Reconciler) applyFrames(frames [][]byte) (refresh bool) {
	if len(frames) == 0 {
		return false
	}
	nowMs := r.now().UnixMilli()
	var (
		msgs     []contract.RuntimeMessage
		receipts []contract.Receipt
		ignored  int
	)
	for _, raw := range frames {
		ev, err := contract.ParseEventEnvelope(raw)
		if err != nil {
			r.logger.Error("dropping malformed event", zap.Error(err))
			continue
		}
		switch ev.Type {
		case contract.EventInbound, contract.EventOutbound:
			rm, err := contract.ParseRuntimeMessage(ev.Type, ev.Payload)
			if err != nil {
				r.logger.Error("dropping malformed message event", zap.String("event_type", string(ev.Type)), zap.Error(err))
				continue
			}
			msgs = append(msgs, rm)
		case contract.EventReceipt:
			rc, err := contract.ParseReceipt(ev.Payload, nowMs)
			if err != nil {
				r.logger.Error("dropping malformed receipt", zap.Error(err))
				continue
			}
			receipts = append(receipts, rc)
		case contract.EventIdentity:
			id, err := contract.ParseIdentity(ev.Payload)
			if err != nil {
				r.logger.Error("dropping malformed identity event", zap.Error(err))
				continue
			}
			// Applied before the batch so self-sent messages in it carry the
			// new name.
			r.threads.SetDisplayName(id.DisplayName)
		default:
			if ev.Type.RequiresRefresh() {
				refresh = true
			} else {
				ignored++
			}
		}
	}

	if missing := r.threads.ApplyBatch(msgs, receipts); len(missing) > 0 {
		r.logger.Debug("receipts for unloaded messages", zap.Strings("msg_ids", missing))
		refresh = true
	}
	r.logger.Debug("flushed event batch",
		zap.Int("events", len(frames)),
		zap.Int("messages", len(msgs)),
		zap.Int("receipts", len(receipts)),
		zap.Int("ignored", ignored),
		zap.Bool("refresh", refresh),
	)
	return refresh
}
