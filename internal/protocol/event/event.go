package event

import (
	"sync"
	"time"

	"lxmf_group/internal/model"
)

type Kind int

const (
	MessageReceived Kind = iota
	DeliverySucceeded
	DeliveryFailed
	ConfigChanged
	AnnounceReceived
)

type (
	Event struct {
		Kind     Kind                   `json:"kind"`
		At       time.Time              `json:"at"`
		Inbound  *model.InboundMessage  `json:"inbound,omitempty"`
		Outbound *model.OutboundMessage `json:"outbound,omitempty"`
		Announce *model.Announce        `json:"announce,omitempty"`
		Section  string                 `json:"section,omitempty"`
		Key      string                 `json:"key,omitempty"`
		Value    string                 `json:"value,omitempty"`
	}

	Handler func(Event)

	// Dispatcher fans events out to subscribers synchronously, in the order
	// they subscribed.
	Dispatcher struct {
		mu   sync.RWMutex
		subs map[Kind][]Handler
	}
)

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[Kind][]Handler),
	}
}

func (d *Dispatcher) Subscribe(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// copy so a Publish in flight keeps iterating its own slice
	list := append(append([]Handler(nil), d.subs[kind]...), h)
	d.subs[kind] = list
}

// SubscribeAll registers h for every kind.
func (d *Dispatcher) SubscribeAll(h Handler) {
	for _, k := range []Kind{MessageReceived, DeliverySucceeded, DeliveryFailed, ConfigChanged, AnnounceReceived} {
		d.Subscribe(k, h)
	}
}

func (d *Dispatcher) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.mu.RLock()
	list := d.subs[e.Kind]
	d.mu.RUnlock()
	for _, h := range list {
		h(e)
	}
}

func (k Kind) String() string {
	switch k {
	case MessageReceived:
		return "message_received"
	case DeliverySucceeded:
		return "delivery_succeeded"
	case DeliveryFailed:
		return "delivery_failed"
	case ConfigChanged:
		return "config_changed"
	case AnnounceReceived:
		return "announce_received"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{MessageReceived, DeliverySucceeded, DeliveryFailed, ConfigChanged, AnnounceReceived} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	*k = -1
	return nil
}
