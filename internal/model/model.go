package model

// Role identifies who authored a message.
type Role string

const (
	RoleSelf Role = "self"
	RolePeer Role = "peer"
)

// MessageKind is the optional structured kind of a message.
type MessageKind string

const (
	KindMessage  MessageKind = "message"
	KindReaction MessageKind = "reaction"
	KindLocation MessageKind = "location"
	KindCommand  MessageKind = "command"
)

// MaxDeliveryTrace bounds the per-message delivery trace.
const MaxDeliveryTrace = 32

// Attachment is a file carried by a message. DataBase64 is empty when the
// payload was not retained locally.
type Attachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	DataBase64 string `json:"data_base64,omitempty"`
}

// Paper is a reference to a paper (offline-transferable) message.
type Paper struct {
	URI      string `json:"uri"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
}

// DeliveryTraceEntry records a single status transition.
type DeliveryTraceEntry struct {
	Status     DeliveryStatus `json:"status"`
	AtMs       int64          `json:"at_ms"`
	ReasonCode ReasonCode     `json:"reason_code,omitempty"`
}

// Message is a single entry in a thread. Status, StatusDetail and
// ReasonCode are only meaningful for RoleSelf messages.
type Message struct {
	ID            string               `json:"id"`
	ThreadID      string               `json:"thread_id"`
	Role          Role                 `json:"role"`
	Author        string               `json:"author,omitempty"`
	Body          string               `json:"body"`
	Attachments   []Attachment         `json:"attachments,omitempty"`
	Paper         *Paper               `json:"paper,omitempty"`
	Kind          MessageKind          `json:"kind,omitempty"`
	Status        DeliveryStatus       `json:"status,omitempty"`
	StatusDetail  string               `json:"status_detail,omitempty"`
	ReasonCode    ReasonCode           `json:"reason_code,omitempty"`
	DeliveryTrace []DeliveryTraceEntry `json:"delivery_trace,omitempty"`
	SentAtMs      int64                `json:"sent_at_ms"`
}

// Thread is a conversation keyed by the counterparty destination address.
type Thread struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	LastActivityAtMs int64     `json:"last_activity_at_ms"`
	Unread           int       `json:"unread"`
	Pinned           bool      `json:"pinned"`
	Muted            bool      `json:"muted"`
	Preview          string    `json:"preview"`
	Messages         []Message `json:"messages,omitempty"`
	Draft            bool      `json:"draft,omitempty"`
}

// ThreadPreference is the user's per-thread pin/mute choice, stored apart
// from authoritative thread data.
type ThreadPreference struct {
	Pinned bool `json:"pinned,omitempty"`
	Muted  bool `json:"muted,omitempty"`
}

// IsDefault reports whether the preference carries no user choice.
func (p ThreadPreference) IsDefault() bool {
	return !p.Pinned && !p.Muted
}

// Summary returns a copy of the thread without its messages.
func (t Thread) Summary() Thread {
	t.Messages = nil
	return t
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Paper != nil {
		p := *m.Paper
		m.Paper = &p
	}
	if m.DeliveryTrace != nil {
		m.DeliveryTrace = append([]DeliveryTraceEntry(nil), m.DeliveryTrace...)
	}
	return m
}
