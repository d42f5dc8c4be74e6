package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"pawnsim-server/internal/sim"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	sendBufSize       = 256
	maxMessagesPerSec = 50
	messageBurst      = 20
)

// outbound is one queued websocket frame. A final frame closes the
// connection after it is written.
type outbound struct {
	data   []byte
	binary bool
	final  bool
}

// ClientOptions are chosen by the connecting client.
type ClientOptions struct {
	// Binary selects msgpack update frames instead of JSON envelopes.
	Binary bool
	// Token is the control token presented with instructions.
	Token string
}

// Client is the forwarding unit for one websocket connection: it relays
// updates from the current run's hub and feeds decoded instructions into
// the run's queue.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan outbound
	id         string
	remoteAddr string
	opts       ClientOptions
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, opts ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan outbound, sendBufSize),
		id:         NewID(),
		remoteAddr: remoteAddr,
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Limit(maxMessagesPerSec), messageBurst),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the read, write and forwarding goroutines against run.
func (c *Client) Start(run *Run) {
	go c.WritePump()
	go c.ForwardUpdates(run)
	go c.ReadPump(run)
}

// Stop disconnects the client.
func (c *Client) Stop() {
	c.cancel()
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump(run *Run) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.hub.TrackDisconnect(c.remoteAddr)
		c.conn.Close()
		c.hub.journal.Track(EvtConnClose, run.ID, c.id, nil)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] %s read error: %v", ShortID(c.id), err)
			}
			return
		}
		if !c.limiter.Allow() {
			log.Printf("[ws] rate limit exceeded for %s, disconnecting", c.remoteAddr)
			return
		}
		c.handleMessage(run, message)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if msg.data != nil {
				kind := websocket.TextMessage
				if msg.binary {
					kind = websocket.BinaryMessage
				}
				if err := c.conn.WriteMessage(kind, msg.data); err != nil {
					return
				}
			}
			if msg.final {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation ended"))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// ForwardUpdates subscribes once to the run's hub and relays every update
// until the run ends or the connection goes away. A lagging connection is
// resynchronized from the oldest retained update.
func (c *Client) ForwardUpdates(run *Run) {
	sub, err := run.Updates.Subscribe()
	if err != nil {
		c.queue(outbound{final: true})
		return
	}
	defer sub.Close()

	for {
		u, err := sub.Recv(c.ctx)
		var lag *sim.LaggedError
		switch {
		case errors.As(err, &lag):
			log.Printf("[ws] %s lagged, skipped %d updates", ShortID(c.id), lag.Skipped)
			c.hub.journal.Track(EvtSubscriberLagged, run.ID, c.id, map[string]uint64{"skipped": lag.Skipped})
			continue
		case errors.Is(err, sim.ErrClosed):
			c.queue(outbound{final: true})
			return
		case err != nil:
			return
		}

		msg, err := c.encodeUpdate(u)
		if err != nil {
			log.Printf("[ws] encode update: %v", err)
			continue
		}
		if !c.queue(msg) || u.Terminal {
			return
		}
	}
}

func (c *Client) encodeUpdate(u sim.SimulationUpdate) (outbound, error) {
	wire := ToWire(u)
	var (
		data []byte
		err  error
	)
	if c.opts.Binary {
		data, err = msgpack.Marshal(wire)
	} else {
		data, err = json.Marshal(Envelope{T: MsgUpdate, Data: wire})
	}
	return outbound{data: data, binary: c.opts.Binary, final: u.Terminal}, err
}

// queue waits for room in the send buffer so a slow connection shows up
// as hub lag instead of silently missing updates.
func (c *Client) queue(msg outbound) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// SendRaw sends pre-marshaled bytes as a text message. It drops the
// message if the client is too slow.
func (c *Client) SendRaw(data []byte) bool {
	select {
	case c.send <- outbound{data: data}:
		return true
	default:
		return false
	}
}

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}
	c.SendRaw(data)
}

func (c *Client) sendError(code string, err error) {
	c.SendJSON(Envelope{T: MsgError, Data: ErrorMsg{Code: code, Msg: err.Error()}})
}

// handleMessage routes incoming messages. Malformed input is reported and
// dropped; the connection stays open.
func (c *Client) handleMessage(run *Run, raw []byte) {
	env, err := DecodeInbound(raw)
	if err != nil {
		c.reject(run, ErrCodeMalformed, err)
		return
	}

	switch env.T {
	case MsgChat:
		var chat ChatMsg
		if err := json.Unmarshal(env.D, &chat); err != nil {
			return
		}
		chat.From = ShortID(c.id)
		c.hub.Broadcast(Envelope{T: MsgChat, Data: chat})
	case MsgInstruction:
		ins, err := DecodeInstruction(env.D)
		if err != nil {
			c.reject(run, ErrCodeMalformed, err)
			return
		}
		c.submit(run, ins)
	case MsgNoPayload:
	}
}

func (c *Client) submit(run *Run, ins sim.Instruction) {
	if _, err := c.hub.auth.Authorize(c.opts.Token); err != nil {
		c.reject(run, ErrCodeUnauthorized, err)
		return
	}
	if !ins.Supported() {
		c.reject(run, ErrCodeNotImplemented, fmt.Errorf("%w: %s", sim.ErrNotImplemented, ins))
		return
	}
	err := run.Queue.Enqueue(c.ctx, ins)
	switch {
	case err == nil:
	case errors.Is(err, sim.ErrQueueFull):
		c.reject(run, ErrCodeQueueFull, err)
	case errors.Is(err, sim.ErrClosed):
		c.reject(run, ErrCodeClosed, err)
	}
}

func (c *Client) reject(run *Run, code string, err error) {
	log.Printf("[ws] %s: %s: %v", ShortID(c.id), code, err)
	c.hub.journal.Track(EvtInstructionRejected, run.ID, c.id, map[string]string{"code": code, "error": err.Error()})
	c.sendError(code, err)
}
