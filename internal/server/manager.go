package server

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
)

// ClientIDShift is the position of the client number inside a resource id.
const ClientIDShift = 21

// MaxClients is the largest number of clients resource ids can address.
const MaxClients = 1<<(32-ClientIDShift) - 1

// ConnectedClient is one protocol client.
type ConnectedClient struct {
	ID          protocol.ClientID
	Name        string
	Address     string
	ConnectedAt time.Time
}

// ResourceBase returns the first resource id owned by the client.
func (c *ConnectedClient) ResourceBase() uint32 {
	return uint32(c.ID) << ClientIDShift
}

// ClientManager tracks connected clients and hands out client numbers.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[protocol.ClientID]*ConnectedClient
	limit   int

	// UI notification callback
	onActivity func(level, message string)
}

// NewClientManager creates a manager accepting at most limit clients. A limit
// of 0 or above MaxClients means MaxClients.
func NewClientManager(limit int) *ClientManager {
	if limit <= 0 || limit > MaxClients {
		limit = MaxClients
	}
	return &ClientManager{
		clients: make(map[protocol.ClientID]*ConnectedClient),
		limit:   limit,
	}
}

// RegisterClient allocates the lowest free client number. Client 0 is the
// server itself and is never handed out.
func (cm *ClientManager) RegisterClient(name, address string) (*ConnectedClient, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.clients) >= cm.limit {
		return nil, fmt.Errorf("client limit %d reached", cm.limit)
	}
	id := protocol.ClientID(1)
	for ; ; id++ {
		if _, taken := cm.clients[id]; !taken {
			break
		}
	}

	client := &ConnectedClient{
		ID:          id,
		Name:        name,
		Address:     address,
		ConnectedAt: time.Now(),
	}
	cm.clients[id] = client
	logger.Infof("Registered client %d: %s from %s", id, name, address)

	if cm.onActivity != nil {
		cm.onActivity("INFO", fmt.Sprintf("Client registered: %s (%d)", name, id))
	}
	return client, nil
}

// UnregisterClient forgets a client. Its number becomes free again.
func (cm *ClientManager) UnregisterClient(id protocol.ClientID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	client, exists := cm.clients[id]
	if !exists {
		return
	}
	delete(cm.clients, id)
	logger.Infof("Unregistered client %d: %s", id, client.Name)

	if cm.onActivity != nil {
		cm.onActivity("INFO", fmt.Sprintf("Client gone: %s (%d)", client.Name, id))
	}
}

// ClientOf maps a resource id to the client that owns it.
func (cm *ClientManager) ClientOf(resourceID uint32) (*ConnectedClient, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.clients[protocol.ClientID(resourceID>>ClientIDShift)]
	return c, ok
}

// Get returns the client with id.
func (cm *ClientManager) Get(id protocol.ClientID) (*ConnectedClient, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.clients[id]
	return c, ok
}

// GetConnectedClients lists clients by ascending id.
func (cm *ClientManager) GetConnectedClients() []*ConnectedClient {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*ConnectedClient, 0, len(cm.clients))
	for _, c := range cm.clients {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *ConnectedClient) int { return int(a.ID) - int(b.ID) })
	return out
}

// SetOnActivity sets a callback for activity notifications
func (cm *ClientManager) SetOnActivity(callback func(level, message string)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onActivity = callback
}
