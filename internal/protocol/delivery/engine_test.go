package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/event"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []model.OutboundMessage
	err  error
}

func (f *fakeTransport) Send(_ context.Context, msg *model.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, *msg)
	return nil
}

type fakeBridge struct {
	calls  int
	drafts []model.Draft
	err    error
}

func (f *fakeBridge) Forward(_ context.Context, _ model.Member, draft model.Draft) error {
	f.calls++
	f.drafts = append(f.drafts, draft)
	return f.err
}

type fixedNode bool

func (n fixedNode) Active() (model.PropagationCandidate, bool) {
	return model.PropagationCandidate{}, bool(n)
}

func peer(b byte) model.PeerAddress {
	raw := make([]byte, model.AddressLength)
	raw[0] = b
	return model.AddressFromBytes(raw)
}

func newTestEngine(cfg Config, nodes NodeState) (*Engine, *fakeTransport, *fakeBridge, *[]event.Event) {
	tr := &fakeTransport{}
	br := &fakeBridge{}
	events := event.NewDispatcher()
	var seen []event.Event
	events.SubscribeAll(func(e event.Event) { seen = append(seen, e) })

	e := NewEngine(cfg, tr, br, nodes, events)
	n := 0
	e.newID = func() string { n++; return fmt.Sprintf("msg-%d", n) }
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e, tr, br, &seen
}

func draft(content string) model.Draft {
	return model.Draft{Title: "t", Content: content, Timestamp: time.Unix(1700000000, 0)}
}

func TestFallbackRetriesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e, tr, _, seen := newTestEngine(Config{Method: model.MethodDirect, TryPropagationOnFail: true}, fixedNode(true))

	msg := e.NewMessage(peer(1), draft("hello"))
	if !msg.FallbackEligible {
		t.Fatalf("expected message to be fallback eligible")
	}
	handle, err := e.Send(ctx, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	e.HandleReport(ctx, model.DeliveryReport{Handle: handle, State: model.StateFailed, Attempts: 5})
	if len(tr.sent) != 2 {
		t.Fatalf("expected one resubmission, got %d sends", len(tr.sent))
	}
	retry := tr.sent[1]
	if retry.DesiredMethod != model.MethodPropagated || retry.AttemptCount != 0 || retry.FallbackEligible {
		t.Fatalf("unexpected retry: %+v", retry)
	}
	if retry.ID != handle {
		t.Fatalf("retry must keep the handle, got %q", retry.ID)
	}
	if len(*seen) != 0 {
		t.Fatalf("no failure must be reported before the retry ends, got %d events", len(*seen))
	}

	e.HandleReport(ctx, model.DeliveryReport{Handle: handle, State: model.StateFailed, Attempts: 3})
	if len(tr.sent) != 2 {
		t.Fatalf("second failure must not retry again, got %d sends", len(tr.sent))
	}
	if len(*seen) != 1 || (*seen)[0].Kind != event.DeliveryFailed {
		t.Fatalf("expected one failure event, got %+v", *seen)
	}
	if (*seen)[0].Outbound.AttemptCount != 3 {
		t.Fatalf("expected attempts from the report, got %d", (*seen)[0].Outbound.AttemptCount)
	}
	if e.InFlight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", e.InFlight())
	}
}

// reportingTransport fails every message from its own goroutine, the way
// the router reports back on the transport read loop.
type reportingTransport struct {
	engine *Engine
	wg     sync.WaitGroup
	mu     sync.Mutex
	sends  int
}

func (r *reportingTransport) Send(ctx context.Context, msg *model.OutboundMessage) error {
	r.mu.Lock()
	r.sends++
	r.mu.Unlock()

	id := msg.ID
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.engine.HandleReport(ctx, model.DeliveryReport{Handle: id, State: model.StateFailed, Attempts: 1})
	}()
	return nil
}

func TestConcurrentReportDuringSend(t *testing.T) {
	tr := &reportingTransport{}
	events := event.NewDispatcher()
	failed := make(chan event.Event, 1)
	events.Subscribe(event.DeliveryFailed, func(e event.Event) { failed <- e })

	e := NewEngine(Config{Method: model.MethodDirect, TryPropagationOnFail: true}, tr, nil, fixedNode(true), events)
	tr.engine = e

	if _, err := e.Send(context.Background(), e.NewMessage(peer(1), draft("hello"))); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-failed:
		if ev.Outbound.DesiredMethod != model.MethodPropagated {
			t.Fatalf("expected the failure after fallback, got %s", ev.Outbound.DesiredMethod)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the failure report")
	}
	tr.wg.Wait()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.sends != 2 {
		t.Fatalf("expected the original send and one fallback, got %d", tr.sends)
	}
	if e.InFlight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", e.InFlight())
	}
}

func TestNoFallbackWhenDisabled(t *testing.T) {
	ctx := context.Background()
	e, tr, _, seen := newTestEngine(Config{Method: model.MethodDirect}, fixedNode(true))
	handle, _ := e.Send(ctx, e.NewMessage(peer(1), draft("hello")))

	e.HandleReport(ctx, model.DeliveryReport{Handle: handle, State: model.StateFailed})
	if len(tr.sent) != 1 {
		t.Fatalf("expected no retry, got %d sends", len(tr.sent))
	}
	if len(*seen) != 1 || (*seen)[0].Kind != event.DeliveryFailed {
		t.Fatalf("expected failure event, got %+v", *seen)
	}
}

func TestNoFallbackWithoutPropagationNode(t *testing.T) {
	e, _, _, _ := newTestEngine(Config{Method: model.MethodDirect, TryPropagationOnFail: true}, fixedNode(false))
	if e.NewMessage(peer(1), draft("x")).FallbackEligible {
		t.Fatalf("fallback requires a known propagation node")
	}
}

func TestNoFallbackForPropagatedMessages(t *testing.T) {
	e, _, _, _ := newTestEngine(Config{Method: model.MethodPropagated, TryPropagationOnFail: true}, fixedNode(true))
	msg := e.NewMessage(peer(1), draft("x"))
	if msg.FallbackEligible || msg.DesiredMethod != model.MethodPropagated {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDuplicateReportsIgnored(t *testing.T) {
	ctx := context.Background()
	e, _, _, seen := newTestEngine(Config{}, nil)
	handle, _ := e.Send(ctx, e.NewMessage(peer(1), draft("hello")))

	e.HandleReport(ctx, model.DeliveryReport{Handle: handle, State: model.StateDelivered})
	e.HandleReport(ctx, model.DeliveryReport{Handle: handle, State: model.StateDelivered})
	e.HandleReport(ctx, model.DeliveryReport{Handle: "unknown", State: model.StateFailed})
	if len(*seen) != 1 || (*seen)[0].Kind != event.DeliverySucceeded {
		t.Fatalf("expected a single success event, got %+v", *seen)
	}
}

func TestPendingReportKeepsTracking(t *testing.T) {
	ctx := context.Background()
	e, _, _, seen := newTestEngine(Config{}, nil)
	handle, _ := e.Send(ctx, e.NewMessage(peer(1), draft("hello")))

	e.HandleReport(ctx, model.DeliveryReport{Handle: handle, State: model.StatePending, Attempts: 1})
	if e.InFlight() != 1 || len(*seen) != 0 {
		t.Fatalf("pending report must not end the delivery")
	}
}

func TestRelayUsesConfiguredMethodAndBridge(t *testing.T) {
	ctx := context.Background()
	e, tr, br, _ := newTestEngine(Config{Method: model.MethodPropagated}, nil)
	recipients := []model.Member{{Address: peer(1)}, {Address: peer(2)}, {Address: peer(3)}}

	if n := e.Relay(ctx, model.Member{Address: peer(9)}, draft("hello"), recipients); n != 3 {
		t.Fatalf("expected 3 sends, got %d", n)
	}
	for i, m := range tr.sent {
		if m.Destination != recipients[i].Address || m.DesiredMethod != model.MethodPropagated {
			t.Fatalf("unexpected message %d: %+v", i, m)
		}
		if m.Content != "hello" || m.Title != "t" {
			t.Fatalf("unexpected payload %d: %+v", i, m)
		}
	}
	if br.calls != 1 || br.drafts[0].Content != "hello" {
		t.Fatalf("expected one bridge call, got %d", br.calls)
	}
}

func TestRelayBridgesWithoutRecipients(t *testing.T) {
	e, tr, br, _ := newTestEngine(Config{}, nil)
	e.Relay(context.Background(), model.Member{Address: peer(9)}, draft("lonely"), nil)
	if len(tr.sent) != 0 || br.calls != 1 {
		t.Fatalf("expected bridge call without sends, got %d sends and %d calls", len(tr.sent), br.calls)
	}
}

func TestRelayContinuesAfterErrors(t *testing.T) {
	e, tr, br, _ := newTestEngine(Config{}, nil)
	tr.err = errors.New("router busy")
	br.err = errors.New("bridge down")

	n := e.Relay(context.Background(), model.Member{}, draft("x"), []model.Member{{Address: peer(1)}, {Address: peer(2)}})
	if n != 0 || br.calls != 1 {
		t.Fatalf("expected no sends and a bridge call, got %d and %d", n, br.calls)
	}
	if e.InFlight() != 0 {
		t.Fatalf("failed sends must not stay in flight")
	}
}

func TestSendAppliesDelay(t *testing.T) {
	e, _, _, _ := newTestEngine(Config{SendDelay: 250 * time.Millisecond}, nil)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	e.Relay(context.Background(), model.Member{}, draft("x"), []model.Member{{Address: peer(1)}, {Address: peer(2)}})
	if len(slept) != 2 || slept[0] != 250*time.Millisecond {
		t.Fatalf("expected a delay after each send, got %v", slept)
	}
}

func TestSendRejectsEmptyDestination(t *testing.T) {
	e, _, _, _ := newTestEngine(Config{}, nil)
	if _, err := e.Send(context.Background(), &model.OutboundMessage{}); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
