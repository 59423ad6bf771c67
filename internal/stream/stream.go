// Package stream is the in-process channel transport behind the push endpoint.
// Connections subscribe to named channels; sends fan out to every subscribed
// connection without blocking on slow readers.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/ids"
)

const (
	groupPrefix   = "group-"
	accountPrefix = "account-"

	DefaultBuffer = 64
)

// GroupChannel names the broadcast channel of a group.
func GroupChannel(groupID string) string { return groupPrefix + groupID }

// AccountChannel names the private channel of an account.
func AccountChannel(accountID string) string { return accountPrefix + accountID }

// Conn is one live client connection. Frames is closed when the hub closes the connection.
type Conn struct {
	id        string
	accountID string
	frames    chan []byte
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) AccountID() string { return c.accountID }

// Frames yields payloads addressed to the connection.
func (c *Conn) Frames() <-chan []byte { return c.frames }

// Delivery counts the outcome of one send.
type Delivery struct {
	Delivered int
	Dropped   int
}

// Hub owns the channel subscription table.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]struct{}
	joined   map[string]map[string]struct{}
	buffer   int
	logger   *zap.Logger
}

// New creates a hub whose connections buffer up to buffer frames.
func New(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		channels: make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
}

// Open registers a new connection for accountID and joins its private channel.
func (h *Hub) Open(accountID string) *Conn {
	c := &Conn{
		id:        ids.NewConnID(),
		accountID: accountID,
		frames:    make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.joinLocked(c.id, AccountChannel(accountID))
	h.mu.Unlock()
	return c
}

// Close leaves every channel and closes the connection's frame stream.
func (h *Hub) Close(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	for ch := range h.joined[connID] {
		h.leaveLocked(connID, ch)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
	close(c.frames)
}

// JoinChannel subscribes connID to channel. Unknown connections are ignored.
func (h *Hub) JoinChannel(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		h.logger.Debug("join for unknown connection", zap.String("conn_id", connID), zap.String("channel", channel))
		return
	}
	h.joinLocked(connID, channel)
}

// LeaveChannel unsubscribes connID from channel.
func (h *Hub) LeaveChannel(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, channel)
}

// SendToChannel queues payload for every subscriber of channel except the listed connections.
func (h *Hub) SendToChannel(channel string, payload []byte, except ...string) Delivery {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var d Delivery
	for connID := range h.channels[channel] {
		if contains(except, connID) {
			continue
		}
		h.offerLocked(connID, payload, &d)
	}
	return d
}

// SendToAccount queues payload for every connection of accountID.
func (h *Hub) SendToAccount(accountID string, payload []byte) Delivery {
	return h.SendToChannel(AccountChannel(accountID), payload)
}

// Subscribers returns the connections currently joined to channel.
func (h *Hub) Subscribers(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		out = append(out, id)
	}
	return out
}

// Channels returns the channels connID is joined to.
func (h *Hub) Channels(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.joined[connID]))
	for ch := range h.joined[connID] {
		out = append(out, ch)
	}
	return out
}

func (h *Hub) joinLocked(connID, channel string) {
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]struct{})
		h.channels[channel] = subs
	}
	subs[connID] = struct{}{}

	mine, ok := h.joined[connID]
	if !ok {
		mine = make(map[string]struct{})
		h.joined[connID] = mine
	}
	mine[channel] = struct{}{}
}

func (h *Hub) leaveLocked(connID, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	if mine, ok := h.joined[connID]; ok {
		delete(mine, channel)
	}
}

func (h *Hub) offerLocked(connID string, payload []byte, d *Delivery) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	select {
	case c.frames <- payload:
		d.Delivered++
	default:
		// Slow reader; it will reconcile through pull sync.
		d.Dropped++
		h.logger.Warn("push frame dropped", zap.String("conn_id", connID), zap.String("account_id", c.accountID))
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
