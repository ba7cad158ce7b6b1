package model

import "strings"

// DeliveryStatus is the local delivery state of a self-sent message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// ReasonCode classifies why a delivery failed.
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonTimeout              ReasonCode = "timeout"
	ReasonNoPath               ReasonCode = "no_path"
	ReasonRelayUnset           ReasonCode = "relay_unset"
	ReasonReceiptTimeout       ReasonCode = "receipt_timeout"
	ReasonRetryBudgetExhausted ReasonCode = "retry_budget_exhausted"
)

// Transient reports whether a failure with this reason is eligible for
// automatic retry.
func (r ReasonCode) Transient() bool {
	switch r {
	case ReasonTimeout, ReasonNoPath, ReasonRelayUnset, ReasonReceiptTimeout:
		return true
	}
	return false
}

// DeliveryStatusFromBackend maps the backend's free-text status onto the
// local status set. Unknown strings map to StatusSending.
func DeliveryStatusFromBackend(raw string) DeliveryStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return StatusSending
	case strings.HasPrefix(s, "failed"), strings.HasPrefix(s, "rejected"), strings.Contains(s, "error"):
		return StatusFailed
	case strings.HasPrefix(s, "delivered"):
		return StatusDelivered
	case strings.HasPrefix(s, "sent"), strings.HasPrefix(s, "propagated"):
		return StatusSent
	default:
		return StatusSending
	}
}

// ReasonCodeFromDetail derives a ReasonCode from the backend status detail.
func ReasonCodeFromDetail(detail string) ReasonCode {
	s := strings.ToLower(detail)
	switch {
	case s == "":
		return ReasonNone
	case strings.Contains(s, "no propagation relay"),
		strings.Contains(s, "relay unset"),
		strings.Contains(s, "relay not set"),
		strings.Contains(s, "relay_unset"):
		return ReasonRelayUnset
	case strings.Contains(s, "receipt") && (strings.Contains(s, "timeout") || strings.Contains(s, "timed out")):
		return ReasonReceiptTimeout
	case strings.Contains(s, "timeout"), strings.Contains(s, "timed out"):
		return ReasonTimeout
	case strings.Contains(s, "no path"), strings.Contains(s, "no_path"), strings.Contains(s, "no route"):
		return ReasonNoPath
	default:
		return ReasonNone
	}
}
