package contract

import (
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
)

// EventType is the kind carried in an event envelope.
type EventType string

const (
	EventInbound  EventType = "inbound"
	EventOutbound EventType = "outbound"
	EventReceipt  EventType = "receipt"
	EventIdentity EventType = "identity"

	EventAnnounce          EventType = "announce"
	EventPeerUpdate        EventType = "peer_update"
	EventInterfaceChange   EventType = "interface_change"
	EventConfigChange      EventType = "config_change"
	EventPropagationChange EventType = "propagation_change"
)

// RequiresRefresh reports whether the event's effect on the thread view
// can only be observed through a full refresh.
func (t EventType) RequiresRefresh() bool {
	switch t {
	case EventAnnounce, EventPeerUpdate, EventInterfaceChange, EventConfigChange, EventPropagationChange:
		return true
	}
	return false
}

// Known reports whether the type is one the reconciler understands.
func (t EventType) Known() bool {
	switch t {
	case EventInbound, EventOutbound, EventReceipt, EventIdentity:
		return true
	}
	return t.RequiresRefresh()
}

// Event is a validated envelope. Payload is the raw payload object, parsed
// further by the kind-specific parser.
type Event struct {
	Type    EventType
	Payload []byte
}

// ParseEventEnvelope validates {event_type, payload}.
func ParseEventEnvelope(raw []byte) (Event, error) {
	const name = "event"
	root, err := parseRoot(raw, name)
	if err != nil {
		return Event{}, err
	}
	typ, err := requireNonEmptyString(root, name, "event_type")
	if err != nil {
		return Event{}, err
	}
	payload, err := requireObject(root, name, "payload")
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventType(typ), Payload: []byte(payload.Raw)}, nil
}

// RuntimeMessage is a message delivered through the live feed together
// with the thread it belongs to.
type RuntimeMessage struct {
	Thread  model.Thread
	Message model.Message
}

// ParseRuntimeMessage validates an inbound or outbound event payload. The
// thread is the source for inbound messages and the destination for
// outbound ones.
func ParseRuntimeMessage(typ EventType, payload []byte) (RuntimeMessage, error) {
	const name = "payload"
	root, err := parseRoot(payload, name)
	if err != nil {
		return RuntimeMessage{}, err
	}
	var role model.Role
	var peerKey string
	switch typ {
	case EventInbound:
		role, peerKey = model.RolePeer, "source"
	case EventOutbound:
		role, peerKey = model.RoleSelf, "destination"
	default:
		return RuntimeMessage{}, fail("event.event_type", `must be "inbound" or "outbound" for a message payload`)
	}
	peer, err := requireNonEmptyString(root, name, peerKey)
	if err != nil {
		return RuntimeMessage{}, err
	}
	msg, err := parseMessage(root, name, role)
	if err != nil {
		return RuntimeMessage{}, err
	}
	msg.ThreadID = peer
	if role == model.RoleSelf && msg.Status == "" {
		msg.Status = model.StatusSending
	}

	thread := model.Thread{ID: peer, Name: peer, LastActivityAtMs: msg.SentAtMs}
	peerName, err := optionalString(root, name, "peer_name")
	if err != nil {
		return RuntimeMessage{}, err
	}
	if peerName != nil && *peerName != "" {
		thread.Name = *peerName
	}
	return RuntimeMessage{Thread: thread, Message: msg}, nil
}

// Receipt is a delivery status update for a self-sent message.
type Receipt struct {
	MessageID    string
	Status       model.DeliveryStatus
	StatusDetail string
	ReasonCode   model.ReasonCode
	AtMs         int64
}

// ParseReceipt validates a receipt payload. When at_ms is absent the
// receipt is stamped with nowMs.
func ParseReceipt(payload []byte, nowMs int64) (Receipt, error) {
	const name = "payload"
	root, err := parseRoot(payload, name)
	if err != nil {
		return Receipt{}, err
	}
	var rc Receipt
	if rc.MessageID, err = requireNonEmptyString(root, name, "message_id"); err != nil {
		return rc, err
	}
	status, err := requireNonEmptyString(root, name, "status")
	if err != nil {
		return rc, err
	}
	detail, err := optionalString(root, name, "detail")
	if err != nil {
		return rc, err
	}
	rc.Status = model.DeliveryStatusFromBackend(status)
	rc.StatusDetail = status
	if detail != nil && *detail != "" {
		rc.StatusDetail = *detail
	}
	if rc.Status == model.StatusFailed {
		rc.ReasonCode = model.ReasonCodeFromDetail(rc.StatusDetail)
	}
	atMs, ok, err := optionalInt(root, name, "at_ms")
	if err != nil {
		return rc, err
	}
	rc.AtMs = nowMs
	if ok {
		rc.AtMs = atMs
	}
	return rc, nil
}

// Identity carries a change of the local display name.
type Identity struct {
	DisplayName string
}

// ParseIdentity validates an identity event payload.
func ParseIdentity(payload []byte) (Identity, error) {
	const name = "payload"
	root, err := parseRoot(payload, name)
	if err != nil {
		return Identity{}, err
	}
	dn, err := requireString(root, name, "display_name")
	if err != nil {
		return Identity{}, err
	}
	return Identity{DisplayName: dn}, nil
}

// SendResult is the daemon's answer to a post. A missing MessageID plus a
// failing BackendStatus means the send was rejected.
type SendResult struct {
	MessageID     *string
	BackendStatus *string
}

// Rejected reports whether the backend refused the message.
func (r SendResult) Rejected() bool {
	if r.MessageID != nil || r.BackendStatus == nil {
		return false
	}
	return model.DeliveryStatusFromBackend(*r.BackendStatus) == model.StatusFailed
}

// ReasonCode derives the failure taxonomy from the backend status.
func (r SendResult) ReasonCode() model.ReasonCode {
	if r.BackendStatus == nil {
		return model.ReasonNone
	}
	return model.ReasonCodeFromDetail(*r.BackendStatus)
}

// ParseSendResult validates a post response.
func ParseSendResult(raw []byte) (SendResult, error) {
	const name = "send_result"
	root, err := parseRoot(raw, name)
	if err != nil {
		return SendResult{}, err
	}
	var res SendResult
	if res.MessageID, err = optionalString(root, name, "message_id"); err != nil {
		return res, err
	}
	if res.BackendStatus, err = optionalString(root, name, "backend_status"); err != nil {
		return res, err
	}
	return res, nil
}

// ProbeReport describes daemon reachability.
type ProbeReport struct {
	RPCReachable    bool
	RPCEndpoint     string
	EventsReachable bool
	RelayConfigured bool
	RelayAddress    *string
	Version         string
}

// ParseProbeReport validates a probe response.
func ParseProbeReport(raw []byte) (ProbeReport, error) {
	const name = "probe"
	root, err := parseRoot(raw, name)
	if err != nil {
		return ProbeReport{}, err
	}
	var rep ProbeReport

	rpc, err := requireObject(root, name, "rpc")
	if err != nil {
		return rep, err
	}
	if rep.RPCReachable, err = requireBool(rpc, at(name, "rpc"), "reachable"); err != nil {
		return rep, err
	}
	endpoint, err := optionalString(rpc, at(name, "rpc"), "endpoint")
	if err != nil {
		return rep, err
	}
	if endpoint != nil {
		rep.RPCEndpoint = *endpoint
	}

	events, err := requireObject(root, name, "events")
	if err != nil {
		return rep, err
	}
	if rep.EventsReachable, err = requireBool(events, at(name, "events"), "reachable"); err != nil {
		return rep, err
	}

	relay, err := requireObject(root, name, "relay")
	if err != nil {
		return rep, err
	}
	if rep.RelayConfigured, err = requireBool(relay, at(name, "relay"), "configured"); err != nil {
		return rep, err
	}
	if rep.RelayAddress, err = optionalString(relay, at(name, "relay"), "address"); err != nil {
		return rep, err
	}

	version, err := optionalString(root, name, "version")
	if err != nil {
		return rep, err
	}
	if version != nil {
		rep.Version = *version
	}
	return rep, nil
}
