package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/utils/log"
)

var ErrNoDestination = errors.New("outbound message has no destination")

type (
	// Transport hands outbound messages to the LXMF router. The terminal
	// outcome arrives later through Engine.HandleReport.
	Transport interface {
		Send(ctx context.Context, msg *model.OutboundMessage) error
	}

	// Bridge mirrors relayed messages to an external chat.
	Bridge interface {
		Forward(ctx context.Context, sender model.Member, draft model.Draft) error
	}

	// NodeState tells whether an outbound propagation node is known.
	NodeState interface {
		Active() (model.PropagationCandidate, bool)
	}

	Config struct {
		Method               model.DeliveryMethod
		TryPropagationOnFail bool
		SendDelay            time.Duration
	}

	Engine struct {
		cfg       Config
		transport Transport
		bridge    Bridge
		nodes     NodeState
		events    *event.Dispatcher

		mu       sync.Mutex
		inflight map[string]*model.OutboundMessage

		sleep func(ctx context.Context, d time.Duration) error
		newID func() string
	}
)

func NewEngine(cfg Config, transport Transport, bridge Bridge, nodes NodeState, events *event.Dispatcher) *Engine {
	return &Engine{
		cfg:       cfg,
		transport: transport,
		bridge:    bridge,
		nodes:     nodes,
		events:    events,
		inflight:  make(map[string]*model.OutboundMessage),
		sleep:     sleepCtx,
		newID:     func() string { return uuid.NewString() },
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Relay fans draft out to every recipient and mirrors it to the bridge.
// The bridge is called even when nobody is left to receive the message.
// A failed send is logged and does not stop the fan-out.
func (e *Engine) Relay(ctx context.Context, sender model.Member, draft model.Draft, recipients []model.Member) int {
	sent := 0
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			log.Warn("Relay interrupted", zap.Int("sent", sent), zap.Int("recipients", len(recipients)))
			break
		}
		msg := e.NewMessage(r.Address, draft)
		if _, err := e.Send(ctx, msg); err != nil {
			log.Error("Could not send message",
				zap.String("destination", r.Address.Hex()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}

	if e.bridge != nil {
		if err := e.bridge.Forward(ctx, sender, draft); err != nil {
			log.Error("Bridge forward failed", zap.Error(err))
		}
	}
	return sent
}

// NewMessage builds an outbound message using the relay's own delivery
// method. Fallback eligibility is decided here, once. The source is left
// to the transport, which stamps its own identity.
func (e *Engine) NewMessage(dest model.PeerAddress, draft model.Draft) *model.OutboundMessage {
	msg := &model.OutboundMessage{
		ID:            e.newID(),
		Destination:   dest,
		Title:         draft.Title,
		Content:       draft.Content,
		Fields:        draft.Fields,
		Timestamp:     draft.Timestamp,
		DesiredMethod: e.cfg.Method,
		State:         model.StatePending,
	}
	if e.cfg.TryPropagationOnFail && e.cfg.Method == model.MethodDirect && e.nodes != nil {
		_, msg.FallbackEligible = e.nodes.Active()
	}
	return msg
}

// Send registers msg as in flight, hands it to the transport and then
// waits the configured send delay. The returned handle is the message ID.
func (e *Engine) Send(ctx context.Context, msg *model.OutboundMessage) (string, error) {
	if msg.Destination.IsZero() {
		return "", ErrNoDestination
	}
	if msg.ID == "" {
		msg.ID = e.newID()
	}
	// msg belongs to the report path once dispatched
	id := msg.ID
	if err := e.dispatch(ctx, msg); err != nil {
		return "", err
	}

	if e.cfg.SendDelay > 0 {
		if err := e.sleep(ctx, e.cfg.SendDelay); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (e *Engine) dispatch(ctx context.Context, msg *model.OutboundMessage) error {
	log.Debug("Message send",
		zap.String("id", msg.ID),
		zap.String("destination", msg.Destination.Hex()),
		zap.Stringer("method", msg.DesiredMethod),
	)

	e.mu.Lock()
	e.inflight[msg.ID] = msg
	e.mu.Unlock()

	if err := e.transport.Send(ctx, msg); err != nil {
		e.mu.Lock()
		delete(e.inflight, msg.ID)
		e.mu.Unlock()
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// HandleReport processes the terminal state of an in-flight message.
// A failed direct message that is fallback eligible is resubmitted once as
// propagated. Reports for unknown handles are ignored, so each delivery
// cycle is reported at most once.
func (e *Engine) HandleReport(ctx context.Context, report model.DeliveryReport) {
	e.mu.Lock()
	msg, ok := e.inflight[report.Handle]
	if ok {
		delete(e.inflight, report.Handle)
	}
	e.mu.Unlock()
	if !ok {
		log.Debug("Delivery report for unknown message", zap.String("id", report.Handle))
		return
	}

	msg.AttemptCount = report.Attempts
	msg.State = report.State

	switch report.State {
	case model.StateDelivered:
		log.Debug("Delivery receipt (success)", zap.String("id", msg.ID), zap.String("destination", msg.Destination.Hex()))
		e.publish(event.DeliverySucceeded, msg)

	case model.StateFailed:
		if msg.FallbackEligible {
			log.Debug("Delivery receipt (failed) Retrying as propagated message",
				zap.String("id", msg.ID),
				zap.String("destination", msg.Destination.Hex()),
			)
			msg.FallbackEligible = false
			msg.AttemptCount = 0
			msg.DesiredMethod = model.MethodPropagated
			msg.State = model.StatePending
			err := e.dispatch(ctx, msg)
			if err == nil {
				return
			}
			log.Error("Could not resubmit message", zap.String("id", msg.ID), zap.Error(err))
			msg.State = model.StateFailed
		}
		log.Debug("Delivery receipt (failed)", zap.String("id", msg.ID), zap.String("destination", msg.Destination.Hex()))
		e.publish(event.DeliveryFailed, msg)

	default:
		// not terminal, keep tracking
		e.mu.Lock()
		e.inflight[msg.ID] = msg
		e.mu.Unlock()
	}
}

// InFlight is the number of messages awaiting a terminal report.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) publish(kind event.Kind, msg *model.OutboundMessage) {
	if e.events == nil {
		return
	}
	cp := *msg
	e.events.Publish(event.Event{Kind: kind, Outbound: &cp})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
