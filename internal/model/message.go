package model

import "time"

type (
	DeliveryMethod int
	DeliveryState  int
)

const (
	MethodDirect DeliveryMethod = iota
	MethodPropagated
)

const (
	StatePending DeliveryState = iota
	StateDelivered
	StateFailed
)

const (
	UnverifiedNone            = 0x00
	UnverifiedSourceUnknown   = 0x01
	UnverifiedSignatureFailed = 0x02
)

type (
	InboundMessage struct {
		Source             PeerAddress    `json:"source"`
		Destination        PeerAddress    `json:"destination"`
		Title              string         `json:"title"`
		Content            string         `json:"content"`
		Fields             Fields         `json:"fields,omitempty"`
		Timestamp          time.Time      `json:"timestamp"`
		SignatureValidated bool           `json:"signature_validated"`
		UnverifiedReason   int            `json:"unverified_reason,omitempty"`
		Method             DeliveryMethod `json:"method"`
	}

	// Draft is the rewritten payload that is fanned out to the group.
	Draft struct {
		Title     string    `json:"title"`
		Content   string    `json:"content"`
		Fields    Fields    `json:"fields,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	OutboundMessage struct {
		ID               string         `json:"id"`
		Destination      PeerAddress    `json:"destination"`
		Source           PeerAddress    `json:"source"`
		Title            string         `json:"title"`
		Content          string         `json:"content"`
		Fields           Fields         `json:"fields,omitempty"`
		Timestamp        time.Time      `json:"timestamp"`
		DesiredMethod    DeliveryMethod `json:"method"`
		State            DeliveryState  `json:"state"`
		AttemptCount     int            `json:"attempts"`
		FallbackEligible bool           `json:"fallback_eligible,omitempty"`
	}

	// DeliveryReport is the transport's terminal verdict for one handle.
	DeliveryReport struct {
		Handle   string        `json:"handle"`
		State    DeliveryState `json:"state"`
		Attempts int           `json:"attempts"`
	}
)

// ParseMethod accepts the config spelling; anything but "propagated" is direct.
func ParseMethod(s string) DeliveryMethod {
	switch s {
	case "propagated", "PROPAGATED", "Propagated":
		return MethodPropagated
	default:
		return MethodDirect
	}
}

func (m DeliveryMethod) String() string {
	if m == MethodPropagated {
		return "propagated"
	}
	return "direct"
}

func (m DeliveryMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *DeliveryMethod) UnmarshalText(text []byte) error {
	*m = ParseMethod(string(text))
	return nil
}

func (s DeliveryState) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "delivered":
		*s = StateDelivered
	case "failed":
		*s = StateFailed
	default:
		*s = StatePending
	}
	return nil
}

func (m *InboundMessage) SignatureString() string {
	if m.SignatureValidated {
		return "validated"
	}
	switch m.UnverifiedReason {
	case UnverifiedSignatureFailed:
		return "invalid signature"
	case UnverifiedSourceUnknown:
		return "cannot verify, source is unknown"
	default:
		return "signature is invalid, reason undetermined"
	}
}
