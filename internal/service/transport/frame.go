package transport

import "lxmf_group/internal/model"

// Frame types exchanged with the LXMF sidecar. Announce frames travel both
// ways: inbound they carry a received announce, outbound they ask the
// sidecar to announce the group destination.
const (
	FrameIdentity      = "identity"
	FrameMessage       = "message"
	FrameDelivery      = "delivery"
	FrameAnnounce      = "announce"
	FrameTransferState = "transfer_state"
	FramePath          = "path"

	FrameSend            = "send"
	FrameSync            = "sync"
	FramePropagationNode = "propagation_node"
)

type Frame struct {
	Type string `json:"type"`

	Address  model.PeerAddress      `json:"address,omitempty"`
	Hops     int                    `json:"hops,omitempty"`
	State    string                 `json:"state,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	AppData  []byte                 `json:"app_data,omitempty"`
	Message  *model.InboundMessage  `json:"message,omitempty"`
	Outbound *model.OutboundMessage `json:"outbound,omitempty"`
	Report   *model.DeliveryReport  `json:"report,omitempty"`
	Announce *model.Announce        `json:"announce,omitempty"`
}
