package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"lxmf_group/internal/config"
	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/protocol/propagation"
	"lxmf_group/internal/protocol/schedule"
	"lxmf_group/internal/repository/member"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []*model.OutboundMessage
	announces [][]byte
	syncs     []int
	node      model.PeerAddress
	hops      map[model.PeerAddress]int
	state     model.TransferState
	nodeErr   error
}

func (f *fakeTransport) Send(_ context.Context, msg *model.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *msg
	f.sent = append(f.sent, &cp)
	return nil
}

func (f *fakeTransport) Announce(_ context.Context, appData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, appData)
	return nil
}

func (f *fakeTransport) RequestSync(_ context.Context, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, limit)
	return nil
}

func (f *fakeTransport) HopsTo(addr model.PeerAddress) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hops[addr]; ok {
		return h
	}
	return model.PathfinderMaxHops
}

func (f *fakeTransport) TransferState() model.TransferState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) SetPropagationNode(addr model.PeerAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodeErr != nil {
		return f.nodeErr
	}
	f.node = addr
	return nil
}

func (f *fakeTransport) Connected() bool            { return true }
func (f *fakeTransport) Address() model.PeerAddress { return addr(0xee) }

func (f *fakeTransport) sends() []*model.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.OutboundMessage(nil), f.sent...)
}

func addr(b byte) model.PeerAddress {
	raw := make([]byte, model.AddressLength)
	raw[0] = b
	return model.AddressFromBytes(raw)
}

var (
	alice = addr(1)
	bob   = addr(2)
	carol = addr(3)
)

type bridgeRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (b *bridgeRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.texts = append(b.texts, body.Text)
	b.mu.Unlock()
}

func (b *bridgeRecorder) posts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

const testOverride = `[matterbridge]
api = %s

[main]
periodic_save_data_interval = 15

[lxmf]
announce_startup = Yes
announce_periodic = Yes
announce_periodic_interval = 120
`

func setup(t *testing.T, override string) (*Service, *fakeTransport, *schedule.Manual, string) {
	t.Helper()
	svc, tr, clock, dir, _ := setupWithBridge(t, override)
	return svc, tr, clock, dir
}

func setupWithBridge(t *testing.T, override string) (*Service, *fakeTransport, *schedule.Manual, string, *bridgeRecorder) {
	t.Helper()
	rec := &bridgeRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.ExampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(config.OverridePath(dir), []byte(fmt.Sprintf(testOverride, srv.URL)+override), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	data := "[send]\n[receive]\n" + carol.Hex() + " = Carol\n[receive_send]\n" + alice.Hex() + " = Alice\n" + bob.Hex() + " = Bob\n"
	if err := os.WriteFile(config.DataPath(dir), []byte(data), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	tr := &fakeTransport{hops: make(map[model.PeerAddress]int)}
	clock := schedule.NewManual(time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC))
	svc, err := New(context.Background(), Deps{
		Config:    cfg,
		Transport: tr,
		Members:   member.NewFileRepo(config.DataPath(dir)),
		Scheduler: clock,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return svc, tr, clock, dir, rec
}

func TestMessageFanOut(t *testing.T) {
	svc, tr, _, _ := setup(t, "")

	svc.handleMessage(context.Background(), &model.InboundMessage{
		Source:    alice,
		Content:   "hello",
		Timestamp: time.Now(),
	})

	sent := tr.sends()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	got := map[model.PeerAddress]bool{}
	for _, m := range sent {
		got[m.Destination] = true
		if m.Content != "Alice\n<"+alice.Hex()+">\nhello" {
			t.Fatalf("unexpected content %q", m.Content)
		}
	}
	if !got[bob] || !got[carol] || got[alice] {
		t.Fatalf("unexpected recipients %v", got)
	}
	if svc.engine.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", svc.engine.InFlight())
	}
}

func TestReceiveOnlyMemberIsDropped(t *testing.T) {
	svc, tr, _, _ := setup(t, "")
	svc.handleMessage(context.Background(), &model.InboundMessage{Source: carol, Content: "hi"})
	if n := len(tr.sends()); n != 0 {
		t.Fatalf("expected no sends, got %d", n)
	}
}

func TestRunProcessesInboundMessages(t *testing.T) {
	svc, tr, _, _ := setup(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	svc.Handlers().OnMessage(model.InboundMessage{Source: bob, Content: "ping"})

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.sends()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(tr.sends()); n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDeliveryFailureFallsBackOnce(t *testing.T) {
	node := addr(0x50).Hex()
	svc, tr, _, _ := setup(t, "propagation_node = "+node+"\n")
	svc.Start()

	var failed []*model.OutboundMessage
	svc.Events().Subscribe(event.DeliveryFailed, func(e event.Event) { failed = append(failed, e.Outbound) })

	svc.handleMessage(context.Background(), &model.InboundMessage{Source: alice, Content: "x"})
	first := tr.sends()
	if len(first) != 2 || !first[0].FallbackEligible {
		t.Fatalf("expected fallback eligible sends, got %+v", first)
	}

	h := svc.Handlers()
	h.OnReport(model.DeliveryReport{Handle: first[0].ID, State: model.StateFailed, Attempts: 5})
	resent := tr.sends()
	if len(resent) != 3 || resent[2].DesiredMethod != model.MethodPropagated {
		t.Fatalf("expected propagated resubmit, got %+v", resent)
	}
	h.OnReport(model.DeliveryReport{Handle: first[0].ID, State: model.StateFailed})
	if len(failed) != 1 || len(tr.sends()) != 3 {
		t.Fatalf("expected one terminal failure, got %d", len(failed))
	}
}

func TestAnnounceAdoptsAndPersistsNode(t *testing.T) {
	svc, tr, _, dir := setup(t, "")
	var changed []event.Event
	svc.Events().Subscribe(event.ConfigChanged, func(e event.Event) { changed = append(changed, e) })

	payload, err := propagation.EncodeAnnounce(true, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	node := addr(0x60)
	tr.hops[node] = 2
	svc.HandleAnnounce(model.Announce{Address: node, Aspect: model.AspectPropagation, AppData: payload})

	if tr.node != node {
		t.Fatalf("expected transport node %s, got %s", node.Hex(), tr.node.Hex())
	}
	if len(changed) != 1 || changed[0].Value != node.Hex() {
		t.Fatalf("expected config change event, got %+v", changed)
	}
	b, _ := os.ReadFile(config.Path(dir))
	if !strings.Contains(string(b), "propagation_node_active = "+node.Hex()) {
		t.Fatalf("expected node persisted:\n%s", b)
	}
	if svc.Config().LXMF.PropagationNodeActive != node {
		t.Fatalf("expected config updated in memory")
	}

	// farther node is ignored
	far := addr(0x61)
	tr.hops[far] = 5
	svc.HandleAnnounce(model.Announce{Address: far, Aspect: model.AspectPropagation, AppData: payload})
	if tr.node != node || len(changed) != 1 {
		t.Fatalf("farther node must not be adopted")
	}
}

func TestAnnounceIgnoredWithoutAuto(t *testing.T) {
	svc, tr, _, _ := setup(t, "propagation_node_auto = No\n")
	payload, _ := propagation.EncodeAnnounce(true, time.Now())
	svc.HandleAnnounce(model.Announce{Address: addr(0x70), Aspect: model.AspectPropagation, AppData: payload})
	if !tr.node.IsZero() {
		t.Fatalf("expected no node without auto selection")
	}
}

func TestStartRestoresActiveNodeAndAnnounces(t *testing.T) {
	active := addr(0x80)
	svc, tr, clock, _ := setup(t, "propagation_node = "+addr(0x81).Hex()+"\npropagation_node_active = "+active.Hex()+"\n")
	svc.Start()

	if tr.node != active {
		t.Fatalf("expected active node restored, got %s", tr.node.Hex())
	}
	if len(tr.announces) != 1 || string(tr.announces[0]) != "Distribution Group" {
		t.Fatalf("expected startup announce, got %q", tr.announces)
	}
	clock.Advance(120 * time.Minute)
	if len(tr.announces) != 2 {
		t.Fatalf("expected periodic announce, got %d", len(tr.announces))
	}
	if st := svc.Status(); st.Announce != schedule.StatePeriodic.String() || st.PropagationNode == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestHiddenAnnounce(t *testing.T) {
	svc, tr, _, _ := setup(t, "announce_hidden = Yes\n")
	if err := svc.AnnounceNow(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(tr.announces) != 1 || len(tr.announces[0]) != 0 {
		t.Fatalf("expected empty app data, got %q", tr.announces)
	}
}

func TestSyncNowGates(t *testing.T) {
	svc, tr, _, _ := setup(t, "sync_limit = 7\n")
	ctx := context.Background()

	if ok, err := svc.SyncNow(ctx); ok || err != nil {
		t.Fatalf("expected no sync without node, got %v %v", ok, err)
	}

	if err := svc.selector.Restore(addr(0x90)); err != nil {
		t.Fatalf("restore: %v", err)
	}
	tr.state = model.TransferReceiving
	if ok, _ := svc.SyncNow(ctx); ok {
		t.Fatalf("expected no sync while receiving")
	}

	tr.state = model.TransferComplete
	if ok, err := svc.SyncNow(ctx); !ok || err != nil {
		t.Fatalf("expected sync, got %v %v", ok, err)
	}
	if len(tr.syncs) != 1 || tr.syncs[0] != 7 {
		t.Fatalf("expected sync limit 7, got %v", tr.syncs)
	}
}

func TestRestoreFailureKeepsNoNode(t *testing.T) {
	svc, tr, _, _ := setup(t, "propagation_node = "+addr(0xa0).Hex()+"\n")
	tr.nodeErr = errors.New("identity unknown")
	svc.Start()
	if _, ok := svc.selector.Active(); ok {
		t.Fatalf("expected no active node")
	}
}

func TestPeriodicSaveFlushesMembers(t *testing.T) {
	svc, _, clock, dir := setup(t, "")
	svc.Start()

	dave := addr(4)
	if err := svc.Directory().Put("receive", model.Member{Key: dave.Hex(), Address: dave, DisplayName: "Dave"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(15 * time.Minute)

	b, _ := os.ReadFile(config.DataPath(dir))
	if !strings.Contains(string(b), dave.Hex()) {
		t.Fatalf("expected member saved:\n%s", b)
	}
	if svc.Directory().Dirty() {
		t.Fatalf("expected directory clean after save")
	}
}

func TestReloadAppliesFilter(t *testing.T) {
	svc, tr, _, dir := setup(t, "")
	f, err := os.OpenFile(config.OverridePath(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("\n[message]\ndeny_content = spam\n")
	_ = f.Close()

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	svc.handleMessage(context.Background(), &model.InboundMessage{Source: alice, Content: "buy spam"})
	if n := len(tr.sends()); n != 0 {
		t.Fatalf("expected message denied after reload, got %d sends", n)
	}
}

func TestReloadKeepsUnsavedMembers(t *testing.T) {
	svc, _, _, dir := setup(t, "")
	dave := addr(4)
	if err := svc.Directory().Put("receive", model.Member{Key: dave.Hex(), Address: dave, DisplayName: "Dave"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := svc.Directory().Lookup(dave); !ok {
		t.Fatalf("expected member added before reload to survive")
	}
	b, _ := os.ReadFile(config.DataPath(dir))
	if !strings.Contains(string(b), dave.Hex()) {
		t.Fatalf("expected member saved by reload:\n%s", b)
	}
}

type failingRepo struct {
	*member.FileRepo
}

func (failingRepo) Save(context.Context, []model.Section) error {
	return errors.New("disk full")
}

func TestReloadAbortsWhenSaveFails(t *testing.T) {
	svc, _, _, dir := setup(t, "")
	svc.members = failingRepo{member.NewFileRepo(config.DataPath(dir))}
	dave := addr(4)
	if err := svc.Directory().Put("receive", model.Member{Key: dave.Hex(), Address: dave}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := svc.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload to fail while members cannot be saved")
	}
	if _, ok := svc.Directory().Lookup(dave); !ok || !svc.Directory().Dirty() {
		t.Fatalf("expected unsaved member retained")
	}
}

func TestReloadAppliesBridgeAndSaveInterval(t *testing.T) {
	svc, _, clock, dir, rec := setupWithBridge(t, "")
	svc.Start()

	f, err := os.OpenFile(config.OverridePath(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("\n[matterbridge]\napi =\n\n[main]\nperiodic_save_data_interval = 5\n")
	_ = f.Close()

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if svc.Status().Bridge.Enabled {
		t.Fatalf("expected bridge disabled after reload")
	}
	svc.handleMessage(context.Background(), &model.InboundMessage{Source: alice, Content: "hello"})
	if n := len(rec.posts()); n != 0 {
		t.Fatalf("expected no bridge posts after disabling, got %d", n)
	}

	dave := addr(4)
	if err := svc.Directory().Put("receive", model.Member{Key: dave.Hex(), Address: dave}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(5 * time.Minute)
	if svc.Directory().Dirty() {
		t.Fatalf("expected save on the new interval")
	}
}

func TestBridgeSkipsDeniedMessages(t *testing.T) {
	for name, override := range map[string]string{
		"content": "\n[message]\ndeny_content = spam\n",
		"title":   "\n[message]\ndeny_title = *\n",
	} {
		t.Run(name, func(t *testing.T) {
			svc, tr, _, _, rec := setupWithBridge(t, override)
			svc.handleMessage(context.Background(), &model.InboundMessage{Source: alice, Title: "t", Content: "buy spam"})
			if n := len(rec.posts()); n != 0 {
				t.Fatalf("denied message must not reach the bridge, got %d posts", n)
			}
			if n := len(tr.sends()); n != 0 {
				t.Fatalf("denied message must not be relayed, got %d sends", n)
			}
		})
	}
}

func TestBridgePostsWithoutRecipients(t *testing.T) {
	svc, tr, _, _, rec := setupWithBridge(t, "")
	if _, err := svc.Directory().Remove("receive", carol.Hex()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.Directory().Remove("receive_send", bob.Hex()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	svc.handleMessage(context.Background(), &model.InboundMessage{Source: alice, Content: "anyone?"})
	if n := len(tr.sends()); n != 0 {
		t.Fatalf("expected no recipients, got %d sends", n)
	}
	posts := rec.posts()
	if len(posts) != 1 {
		t.Fatalf("expected exactly one bridge post, got %d", len(posts))
	}
	if !strings.Contains(posts[0], "Alice\n<"+alice.Hex()+">\nanyone?") {
		t.Fatalf("expected rewritten content in bridge post, got %q", posts[0])
	}
}

func TestDisplayName(t *testing.T) {
	packed, _ := msgpack.Marshal(map[string]any{"c": []byte("Alice "), "x": 1})
	cases := map[string][]byte{
		"Alice": packed,
		"Bob":   []byte(" Bob"),
		"":      {0xff, 0xfe},
	}
	for want, in := range cases {
		if got := DisplayName(in); got != want {
			t.Fatalf("DisplayName(%x) = %q, want %q", in, got, want)
		}
	}
}
