// Package channels keeps every live connection of an account subscribed to
// exactly the group channels the account can access.
package channels

import (
	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/registry"
	"github.com/Dangere/syncora-backend/internal/stream"
)

// Subscriber is the channel membership part of the transport.
type Subscriber interface {
	JoinChannel(connID, channel string)
	LeaveChannel(connID, channel string)
}

// Manager translates access changes into channel joins and leaves.
type Manager struct {
	registry  *registry.Registry
	transport Subscriber
	logger    *zap.Logger
}

// New returns a manager over reg and transport.
func New(reg *registry.Registry, transport Subscriber, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{registry: reg, transport: transport, logger: logger}
}

// SubscribeAccountToGroup joins every connection of accountID to the group channel.
func (m *Manager) SubscribeAccountToGroup(accountID, groupID string) {
	channel := stream.GroupChannel(groupID)
	conns := m.registry.List(accountID)
	for _, connID := range conns {
		m.transport.JoinChannel(connID, channel)
	}
	m.logger.Debug("account subscribed to group",
		zap.String("account_id", accountID), zap.String("group_id", groupID), zap.Int("connections", len(conns)))
}

// UnsubscribeAccountFromGroup removes every connection of accountID from the group channel.
func (m *Manager) UnsubscribeAccountFromGroup(accountID, groupID string) {
	channel := stream.GroupChannel(groupID)
	conns := m.registry.List(accountID)
	for _, connID := range conns {
		m.transport.LeaveChannel(connID, channel)
	}
	m.logger.Debug("account unsubscribed from group",
		zap.String("account_id", accountID), zap.String("group_id", groupID), zap.Int("connections", len(conns)))
}

// SubscribeConnection joins one connection to the given groups.
func (m *Manager) SubscribeConnection(connID string, groupIDs []string) {
	for _, gid := range groupIDs {
		m.transport.JoinChannel(connID, stream.GroupChannel(gid))
	}
}

// UnsubscribeConnection removes one connection from the given groups.
func (m *Manager) UnsubscribeConnection(connID string, groupIDs []string) {
	for _, gid := range groupIDs {
		m.transport.LeaveChannel(connID, stream.GroupChannel(gid))
	}
}

// DissolveGroup unsubscribes every listed account from a group that no longer exists.
func (m *Manager) DissolveGroup(groupID string, accountIDs []string) {
	for _, accountID := range accountIDs {
		m.UnsubscribeAccountFromGroup(accountID, groupID)
	}
}
