package model

import "time"

// Announce aspects the relay listens for.
const (
	AspectDelivery    = "lxmf.delivery"
	AspectPropagation = "lxmf.propagation"
)

// PathfinderMaxHops is reported for destinations without a known path.
const PathfinderMaxHops = 128

type TransferState int

// Propagation transfer states as reported by the LXMF router.
const (
	TransferIdle             TransferState = 0x00
	TransferPathRequested    TransferState = 0x01
	TransferLinkEstablishing TransferState = 0x02
	TransferLinkEstablished  TransferState = 0x03
	TransferRequestSent      TransferState = 0x04
	TransferReceiving        TransferState = 0x05
	TransferResponseReceived TransferState = 0x06
	TransferComplete         TransferState = 0x07
	TransferNoPath           TransferState = 0xf0
	TransferLinkFailed       TransferState = 0xf1
	TransferFailed           TransferState = 0xfe
)

type (
	Announce struct {
		Address PeerAddress `json:"address"`
		Aspect  string      `json:"aspect"`
		AppData []byte      `json:"app_data,omitempty"`
		Hops    int         `json:"hops"`
	}

	PropagationCandidate struct {
		Address    PeerAddress `json:"address"`
		Hops       int         `json:"hops"`
		NodeActive bool        `json:"node_active"`
		ObservedAt time.Time   `json:"observed_at"`
		EmittedAt  time.Time   `json:"emitted_at"`
	}
)

// CanSync reports whether a new sync request may be issued without
// interrupting a transfer in progress.
func (s TransferState) CanSync() bool {
	return s == TransferIdle || s == TransferComplete
}

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "idle"
	case TransferPathRequested:
		return "path_requested"
	case TransferLinkEstablishing:
		return "link_establishing"
	case TransferLinkEstablished:
		return "link_established"
	case TransferRequestSent:
		return "request_sent"
	case TransferReceiving:
		return "receiving"
	case TransferResponseReceived:
		return "response_received"
	case TransferComplete:
		return "complete"
	case TransferNoPath:
		return "no_path"
	case TransferLinkFailed:
		return "link_failed"
	default:
		return "failed"
	}
}

func ParseTransferState(s string) TransferState {
	for st := TransferIdle; st <= TransferComplete; st++ {
		if st.String() == s {
			return st
		}
	}
	switch s {
	case "no_path":
		return TransferNoPath
	case "link_failed":
		return TransferLinkFailed
	default:
		return TransferFailed
	}
}
