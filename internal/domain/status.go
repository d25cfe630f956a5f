package domain

// DeliveryStatus is the per-message delivery progression. Transitions are
// forward-only: a message never regresses once advanced.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// legalTransitions encodes who may move a message where:
// queued→sending→sent→delivered→read on the happy path, sending→failed on
// write errors, failed→sending on explicit retry, and sent→read directly when
// the recipient was already viewing the conversation at insert time.
var legalTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusQueued:    {StatusSending},
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusSending},
}

// CanAdvance reports whether moving from s to next is a legal transition.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status can still advance along the delivery
// path. failed is not terminal: retry re-enters sending.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusRead
}

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}
