package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"lxmf_group/internal/config"
	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/delivery"
	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/protocol/filter"
	"lxmf_group/internal/protocol/permission"
	"lxmf_group/internal/protocol/propagation"
	"lxmf_group/internal/protocol/schedule"
	"lxmf_group/internal/service/bridge"
	"lxmf_group/internal/service/journal"
	"lxmf_group/internal/service/transport"
	"lxmf_group/internal/utils/log"
)

const inboxSize = 64

type (
	// Transport is what the relay needs from the LXMF side.
	Transport interface {
		delivery.Transport
		propagation.HopCounter
		Announce(ctx context.Context, appData []byte) error
		RequestSync(ctx context.Context, limit int) error
		TransferState() model.TransferState
		SetPropagationNode(addr model.PeerAddress) error
		Connected() bool
		Address() model.PeerAddress
	}

	Deps struct {
		Config    *config.Config
		Transport Transport
		Members   permission.Repository
		// Journal is optional.
		Journal *journal.Journal
		// Scheduler defaults to wall clock timers.
		Scheduler schedule.Scheduler
		Events    *event.Dispatcher
	}

	// Service is the running group: it owns the permission directory, the
	// message filter, delivery and propagation node selection, and drives
	// the announce, sync and save timers.
	Service struct {
		mu  sync.RWMutex
		cfg *config.Config

		events    *event.Dispatcher
		transport Transport
		members   permission.Repository
		directory *permission.Directory
		filter    *filter.Pipeline
		selector  *propagation.Selector
		engine    *delivery.Engine
		bridge    *bridge.Client
		journal   *journal.Journal
		writer    *config.Writer

		announcer *schedule.Recurring
		syncer    *schedule.Recurring
		saver     *schedule.Recurring

		ctx   context.Context
		inbox chan model.InboundMessage
	}

	Status struct {
		Name            string                      `json:"name"`
		DisplayName     string                      `json:"display_name"`
		Address         string                      `json:"address"`
		Connected       bool                        `json:"connected"`
		PropagationNode *model.PropagationCandidate `json:"propagation_node,omitempty"`
		TransferState   model.TransferState         `json:"-"`
		Transfer        string                      `json:"transfer_state"`
		InFlight        int                         `json:"in_flight"`
		Members         int                         `json:"members"`
		Unsaved         bool                        `json:"unsaved"`
		Announce        string                      `json:"announce"`
		Sync            string                      `json:"sync"`
		Bridge          BridgeStatus                `json:"bridge"`
	}

	BridgeStatus struct {
		Enabled  bool  `json:"enabled"`
		Posted   int64 `json:"posted"`
		Failures int64 `json:"failures"`
	}
)

// New loads the permission store and wires the components together.
// Nothing is sent before Run.
func New(ctx context.Context, deps Deps) (*Service, error) {
	cfg := deps.Config
	if cfg == nil || deps.Transport == nil || deps.Members == nil {
		return nil, errors.New("relay: config, transport and members are required")
	}
	sections, err := deps.Members.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		events:    deps.Events,
		transport: deps.Transport,
		members:   deps.Members,
		directory: permission.NewDirectory(sections),
		filter:    filter.New(cfg.Filter),
		journal:   deps.Journal,
		writer:    config.NewWriter(cfg.Dir),
		ctx:       ctx,
		inbox:     make(chan model.InboundMessage, inboxSize),
	}
	if s.events == nil {
		s.events = event.NewDispatcher()
	}

	s.bridge = bridge.New(bridgeConfig(cfg.Matterbridge))

	s.selector = propagation.NewSelector(s.transport)
	s.selector.Activate = s.transport.SetPropagationNode
	s.selector.OnAdopt = s.persistNode

	s.engine = delivery.NewEngine(delivery.Config{
		Method:               cfg.LXMF.Method,
		TryPropagationOnFail: cfg.LXMF.TryPropagationOnFail,
		SendDelay:            cfg.LXMF.SendDelay,
	}, s.transport, s.bridge, s.selector, s.events)

	if s.journal != nil {
		s.journal.Attach(s.events)
	}
	s.events.Subscribe(event.MessageReceived, s.enqueue)

	sched := deps.Scheduler
	if sched == nil {
		sched = schedule.NewTimers()
	}
	s.announcer = newRecurring(sched, cfg.LXMF.AnnounceStartup, cfg.LXMF.AnnounceStartupDelay, cfg.LXMF.AnnouncePeriodic, cfg.LXMF.AnnounceInterval, func() {
		if err := s.AnnounceNow(s.ctx); err != nil {
			log.Error("Announce failed", zap.Error(err))
		}
	})
	s.syncer = newRecurring(sched, cfg.LXMF.SyncStartup, cfg.LXMF.SyncStartupDelay, cfg.LXMF.SyncPeriodic, cfg.LXMF.SyncInterval, func() {
		if _, err := s.SyncNow(s.ctx); err != nil {
			log.Error("Sync failed", zap.Error(err))
		}
	})
	s.saver = newRecurring(sched, false, 0, cfg.Main.SaveInterval > 0, cfg.Main.SaveInterval, func() {
		if err := s.Flush(s.ctx); err != nil {
			log.Error("Save data failed", zap.Error(err))
		}
	})
	return s, nil
}

func bridgeConfig(mb config.Matterbridge) bridge.Config {
	return bridge.Config{
		API:           mb.API,
		Gateway:       mb.Gateway,
		Token:         mb.Token,
		RatePerSecond: mb.Rate,
		Timeout:       mb.Timeout,
	}
}

func newRecurring(sched schedule.Scheduler, startup bool, delay time.Duration, periodic bool, interval time.Duration, action func()) *schedule.Recurring {
	r := schedule.NewRecurring(sched)
	r.Startup = startup
	r.StartupDelay = delay
	r.Periodic = periodic
	r.Interval = interval
	r.Action = action
	return r
}

// Handlers connects the transport callbacks to the relay.
func (s *Service) Handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage: func(msg model.InboundMessage) {
			m := msg
			s.events.Publish(event.Event{Kind: event.MessageReceived, Inbound: &m})
		},
		OnReport: func(report model.DeliveryReport) {
			s.engine.HandleReport(s.ctx, report)
		},
		OnAnnounce: s.HandleAnnounce,
	}
}

// Start restores the propagation node and arms the timers.
func (s *Service) Start() {
	cfg := s.Config()
	node := cfg.LXMF.PropagationNode
	if cfg.LXMF.PropagationNodeAuto && !cfg.LXMF.PropagationNodeActive.IsZero() {
		node = cfg.LXMF.PropagationNodeActive
	}
	if err := s.selector.Restore(node); err != nil {
		log.Error("Cannot set propagation node", zap.String("node", node.Hex()), zap.Error(err))
	} else if !node.IsZero() {
		log.Info("Propagation node set", zap.String("node", node.Hex()))
	}

	s.announcer.Start()
	s.syncer.Start()
	s.saver.Start()
}

// Run starts the relay and processes inbound messages until ctx is done.
// Unsaved member changes are written on the way out.
func (s *Service) Run(ctx context.Context) error {
	s.Start()
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.inbox:
			s.handleMessage(ctx, &msg)
		}
	}
}

func (s *Service) stop() {
	s.announcer.Stop()
	s.syncer.Stop()
	s.saver.Stop()
	if err := s.Flush(context.Background()); err != nil {
		log.Error("Save data failed", zap.Error(err))
	}
}

func (s *Service) enqueue(e event.Event) {
	if e.Inbound == nil {
		return
	}
	select {
	case s.inbox <- *e.Inbound:
	case <-s.ctx.Done():
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *model.InboundMessage) {
	res, err := s.filter.Admit(msg, s.directory)
	if err != nil {
		log.Debug("Message dropped", zap.String("source", msg.Source.Hex()), zap.Error(err))
		return
	}
	recipients := s.directory.Recipients(msg.Source)
	sent := s.engine.Relay(ctx, res.Sender, res.Draft, recipients)
	log.Info("Message relayed",
		zap.String("source", msg.Source.Hex()),
		zap.Int("recipients", len(recipients)),
		zap.Int("sent", sent),
	)
}

// HandleAnnounce routes an announce by aspect. Propagation node announces
// feed the node selection when it is automatic.
func (s *Service) HandleAnnounce(a model.Announce) {
	ac := a
	s.events.Publish(event.Event{Kind: event.AnnounceReceived, Announce: &ac})

	switch a.Aspect {
	case model.AspectPropagation:
		if !s.Config().LXMF.PropagationNodeAuto {
			return
		}
		s.selector.HandleAnnounce(a.Address, a.AppData)
	case model.AspectDelivery:
		if len(a.AppData) == 0 {
			return
		}
		log.Info("Received an announce", zap.String("address", a.Address.Hex()), zap.String("name", DisplayName(a.AppData)))
	}
}

func (s *Service) persistNode(c model.PropagationCandidate) {
	hex := c.Address.Hex()
	log.Info("Propagation node set", zap.String("node", hex), zap.Int("hops", c.Hops))
	if err := s.writer.Set("lxmf", "propagation_node_active", hex); err != nil {
		log.Error("Cannot save propagation node", zap.Error(err))
	}
	s.mu.Lock()
	cfg := *s.cfg
	cfg.LXMF.PropagationNodeActive = c.Address
	s.cfg = &cfg
	s.mu.Unlock()
	s.events.Publish(event.Event{Kind: event.ConfigChanged, Section: "lxmf", Key: "propagation_node_active", Value: hex})
}

// AnnounceNow announces the group destination. A hidden announce carries
// no display name.
func (s *Service) AnnounceNow(ctx context.Context) error {
	cfg := s.Config()
	appData := []byte{}
	if !cfg.LXMF.AnnounceHidden {
		appData = []byte(cfg.LXMF.DisplayName)
	}
	if err := s.transport.Announce(ctx, appData); err != nil {
		return err
	}
	log.Debug("Announced", zap.String("address", s.transport.Address().Hex()), zap.Bool("hidden", cfg.LXMF.AnnounceHidden))
	return nil
}

// SyncNow requests messages from the propagation node. It reports false
// without error when no node is known or a transfer is still running.
func (s *Service) SyncNow(ctx context.Context) (bool, error) {
	node, ok := s.selector.Active()
	if !ok {
		log.Debug("Sync skipped, no propagation node")
		return false, nil
	}
	if st := s.transport.TransferState(); !st.CanSync() {
		log.Debug("Sync skipped, transfer in progress", zap.Stringer("state", st))
		return false, nil
	}
	if err := s.transport.RequestSync(ctx, s.Config().LXMF.SyncLimit); err != nil {
		return false, err
	}
	log.Debug("Sync requested", zap.String("node", node.Address.Hex()))
	return true, nil
}

// Flush saves unsaved member changes.
func (s *Service) Flush(ctx context.Context) error {
	return s.directory.Flush(ctx, s.members)
}

// Reload re-reads the config files and the member store. Message filter,
// naming, bridge and save interval settings apply at once; LXMF connection
// settings need a restart. Unsaved member edits are written before the
// store is read back, and a failed write aborts the reload.
func (s *Service) Reload(ctx context.Context) error {
	cfg, err := config.Load(s.Config().Dir)
	if err != nil && !errors.Is(err, config.ErrDisabled) {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("save members: %w", err)
	}
	if err := s.directory.Reload(ctx, s.members); err != nil {
		return fmt.Errorf("reload members: %w", err)
	}

	s.mu.Lock()
	old := s.cfg
	next := *old
	next.Main = cfg.Main
	next.Filter = cfg.Filter
	next.LXMF.DisplayName = cfg.LXMF.DisplayName
	next.LXMF.AnnounceHidden = cfg.LXMF.AnnounceHidden
	next.LXMF.PropagationNodeAuto = cfg.LXMF.PropagationNodeAuto
	next.LXMF.SyncLimit = cfg.LXMF.SyncLimit
	next.Matterbridge = cfg.Matterbridge
	s.cfg = &next
	s.mu.Unlock()

	s.filter.Apply(cfg.Filter)
	s.bridge.Apply(bridgeConfig(cfg.Matterbridge))
	s.saver.Reschedule(cfg.Main.SaveInterval > 0, cfg.Main.SaveInterval)
	log.Info("Config reloaded", zap.String("dir", cfg.Dir))
	s.events.Publish(event.Event{Kind: event.ConfigChanged})
	return nil
}

func (s *Service) Status() Status {
	cfg := s.Config()
	st := Status{
		Name:          cfg.Main.Name,
		DisplayName:   cfg.LXMF.DisplayName,
		Address:       s.transport.Address().Hex(),
		Connected:     s.transport.Connected(),
		TransferState: s.transport.TransferState(),
		InFlight:      s.engine.InFlight(),
		Unsaved:       s.directory.Dirty(),
		Announce:      s.announcer.State().String(),
		Sync:          s.syncer.State().String(),
		Bridge: BridgeStatus{
			Enabled:  s.bridge.Enabled(),
			Posted:   s.bridge.Posted(),
			Failures: s.bridge.Failures(),
		},
	}
	st.Transfer = st.TransferState.String()
	if node, ok := s.selector.Active(); ok {
		st.PropagationNode = &node
	}
	for _, sec := range s.directory.Sections() {
		st.Members += len(sec.Members)
	}
	return st
}

func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Directory() *permission.Directory {
	return s.directory
}

func (s *Service) Journal() *journal.Journal {
	return s.journal
}

func (s *Service) Events() *event.Dispatcher {
	return s.events
}

// DisplayName extracts the peer name from delivery announce app data. Newer
// clients pack it into a msgpack map under "c", older ones send plain text.
func DisplayName(appData []byte) string {
	var v any
	if err := msgpack.Unmarshal(appData, &v); err == nil {
		var c any
		switch m := v.(type) {
		case map[string]any:
			c = m["c"]
		case map[any]any:
			c = m["c"]
		}
		switch name := c.(type) {
		case []byte:
			appData = name
		case string:
			appData = []byte(name)
		}
	}
	if !utf8.Valid(appData) {
		return ""
	}
	return strings.TrimSpace(string(appData))
}
