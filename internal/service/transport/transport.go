package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lxmf_group/internal/model"
	"lxmf_group/internal/utils/log"
)

const (
	ReconnectBaseDelay = 1 * time.Second
	ReconnectMaxDelay  = 60 * time.Second

	writeTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("transport is not connected")

type (
	// Handlers receive inbound traffic. They run on the read loop, one at a
	// time, in arrival order.
	Handlers struct {
		OnMessage  func(msg model.InboundMessage)
		OnReport   func(report model.DeliveryReport)
		OnAnnounce func(a model.Announce)
	}

	// Client speaks to an LXMF sidecar over a websocket. The sidecar owns
	// the Reticulum identity, routing and the propagation transfer; the
	// client forwards intents and surfaces the sidecar's callbacks.
	Client struct {
		url      string
		dialer   *websocket.Dialer
		handlers Handlers

		mu      sync.Mutex
		conn    *websocket.Conn
		address model.PeerAddress
		node    model.PeerAddress
		hops    map[model.PeerAddress]int

		writeMu sync.Mutex

		state     atomic.Int32
		connected atomic.Bool
	}
)

func New(url string) *Client {
	return &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		hops:   make(map[model.PeerAddress]int),
	}
}

// SetHandlers must be called before Run.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

// Run connects and reconnects to the sidecar until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	delay := ReconnectBaseDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Warn("Transport dial failed", zap.String("url", c.url), zap.Duration("retry", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, ReconnectMaxDelay)
			continue
		}
		delay = ReconnectBaseDelay
		log.Info("Transport connected", zap.String("url", c.url))

		c.attach(conn)
		c.listen(ctx, conn)
		c.detach(conn)
		log.Info("Transport disconnected", zap.String("url", c.url))
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	node := c.node
	c.mu.Unlock()
	c.connected.Store(true)

	// the sidecar forgets the outbound node across restarts
	if !node.IsZero() {
		if err := c.write(Frame{Type: FramePropagationNode, Address: node}); err != nil {
			log.Error("Cannot restore propagation node", zap.Error(err))
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
	conn.Close()
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("transport web socket closed", zap.Error(err))
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("Unmarshal frame failed", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameIdentity:
		c.mu.Lock()
		c.address = f.Address
		c.mu.Unlock()
		log.Info("LXMF destination", zap.String("address", f.Address.Hex()))

	case FrameMessage:
		if f.Message == nil {
			log.Warn("Message frame without message")
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(*f.Message)
		}

	case FrameDelivery:
		if f.Report == nil || f.Report.Handle == "" {
			log.Warn("Delivery frame without report")
			return
		}
		if c.handlers.OnReport != nil {
			c.handlers.OnReport(*f.Report)
		}

	case FrameAnnounce:
		if f.Announce == nil || f.Announce.Address.IsZero() {
			log.Warn("Announce frame without announce")
			return
		}
		c.setHops(f.Announce.Address, f.Announce.Hops)
		if c.handlers.OnAnnounce != nil {
			c.handlers.OnAnnounce(*f.Announce)
		}

	case FramePath:
		if !f.Address.IsZero() {
			c.setHops(f.Address, f.Hops)
		}

	case FrameTransferState:
		c.state.Store(int32(model.ParseTransferState(f.State)))

	default:
		log.Warn("Unknown frame type", zap.String("type", f.Type))
	}
}

func (c *Client) setHops(addr model.PeerAddress, hops int) {
	c.mu.Lock()
	c.hops[addr] = hops
	c.mu.Unlock()
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(&f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Address is the group's own destination as reported by the sidecar.
func (c *Client) Address() model.PeerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Send hands msg to the sidecar's router. The message ID is the handle the
// delivery frame reports back.
func (c *Client) Send(_ context.Context, msg *model.OutboundMessage) error {
	out := *msg
	if out.Source.IsZero() {
		out.Source = c.Address()
	}
	return c.write(Frame{Type: FrameSend, Outbound: &out})
}

// Announce announces the group destination with appData. Empty appData
// announces without a display name.
func (c *Client) Announce(_ context.Context, appData []byte) error {
	return c.write(Frame{Type: FrameAnnounce, AppData: appData})
}

// RequestSync asks the propagation node for waiting messages, at most limit
// of them when limit is positive.
func (c *Client) RequestSync(_ context.Context, limit int) error {
	return c.write(Frame{Type: FrameSync, Limit: limit})
}

// HopsTo returns the last known path length to addr, or
// model.PathfinderMaxHops when no path is known.
func (c *Client) HopsTo(addr model.PeerAddress) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.hops[addr]; ok {
		return n
	}
	return model.PathfinderMaxHops
}

func (c *Client) TransferState() model.TransferState {
	return model.TransferState(c.state.Load())
}

// SetPropagationNode selects the outbound propagation node. While
// disconnected the node is remembered and sent on the next connect.
func (c *Client) SetPropagationNode(addr model.PeerAddress) error {
	c.mu.Lock()
	c.node = addr
	c.mu.Unlock()

	err := c.write(Frame{Type: FramePropagationNode, Address: addr})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) PropagationNode() model.PeerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
