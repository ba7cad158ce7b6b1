package api

import (
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/queue"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// stringArg reads a string argument. A missing argument yields "" unless
// required is set.
func stringArg(in *structpb.Struct, name string, required bool) (string, error) {
	v, ok := in.GetFields()[name]
	if !ok || isNullValue(v) {
		if required {
			return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
		}
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s must be a string", name)
	}
	if required && s.StringValue == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s must not be empty", name)
	}
	return s.StringValue, nil
}

// boolArg reads an optional boolean argument; nil means absent.
func boolArg(in *structpb.Struct, name string) (*bool, error) {
	v, ok := in.GetFields()[name]
	if !ok || isNullValue(v) {
		return nil, nil
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s must be a boolean", name)
	}
	return &b.BoolValue, nil
}

func isNullValue(v *structpb.Value) bool {
	_, null := v.GetKind().(*structpb.Value_NullValue)
	return null
}

func reply(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func threadValue(t model.Thread) map[string]any {
	return map[string]any{
		"id":                  t.ID,
		"name":                t.Name,
		"preview":             t.Preview,
		"unread":              t.Unread,
		"pinned":              t.Pinned,
		"muted":               t.Muted,
		"draft":               t.Draft,
		"last_activity_at_ms": t.LastActivityAtMs,
	}
}

func messageValue(m model.Message) map[string]any {
	v := map[string]any{
		"id":         m.ID,
		"thread_id":  m.ThreadID,
		"role":       string(m.Role),
		"author":     m.Author,
		"body":       m.Body,
		"status":     string(m.Status),
		"sent_at_ms": m.SentAtMs,
	}
	if m.Kind != "" {
		v["kind"] = string(m.Kind)
	}
	if m.StatusDetail != "" {
		v["status_detail"] = m.StatusDetail
	}
	if m.ReasonCode != model.ReasonNone {
		v["reason_code"] = string(m.ReasonCode)
	}
	if len(m.Attachments) > 0 {
		atts := make([]any, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			atts = append(atts, map[string]any{
				"name":       a.Name,
				"mime_type":  a.MimeType,
				"size_bytes": a.SizeBytes,
			})
		}
		v["attachments"] = atts
	}
	if m.Paper != nil {
		v["paper"] = map[string]any{
			"uri":      m.Paper.URI,
			"title":    m.Paper.Title,
			"category": m.Paper.Category,
		}
	}
	if len(m.DeliveryTrace) > 0 {
		trace := make([]any, 0, len(m.DeliveryTrace))
		for _, e := range m.DeliveryTrace {
			te := map[string]any{"status": string(e.Status), "at_ms": e.AtMs}
			if e.ReasonCode != model.ReasonNone {
				te["reason_code"] = string(e.ReasonCode)
			}
			trace = append(trace, te)
		}
		v["delivery_trace"] = trace
	}
	return v
}

func entryValue(e queue.Entry) map[string]any {
	v := map[string]any{
		"id":               e.ID,
		"source":           string(e.Source),
		"thread_id":        e.ThreadID,
		"message_id":       e.MessageID,
		"status":           string(e.Status),
		"attempts":         e.Attempts,
		"next_retry_at_ms": e.NextRetryAtMs,
		"text":             e.Draft.Text,
		"attachments":      len(e.Draft.Attachments),
		"created_at_ms":    e.CreatedAtMs,
		"updated_at_ms":    e.UpdatedAtMs,
	}
	if e.LastError != "" {
		v["last_error"] = e.LastError
	}
	if e.ReasonCode != model.ReasonNone {
		v["reason_code"] = string(e.ReasonCode)
	}
	return v
}

func persistValue(pr queue.PersistResult) map[string]any {
	v := map[string]any{"persisted": pr.OK}
	if !pr.OK {
		v["code"] = pr.Code
		v["message"] = pr.Message
	}
	return v
}
