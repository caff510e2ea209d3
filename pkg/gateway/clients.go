package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// clientSet holds the open WebSocket connections
type clientSet struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

func newClientSet() *clientSet {
	return &clientSet{byID: make(map[string]*Client)}
}

func (cs *clientSet) add(c *Client) {
	cs.mu.Lock()
	cs.byID[c.ID] = c
	cs.mu.Unlock()
}

func (cs *clientSet) remove(id string) {
	cs.mu.Lock()
	delete(cs.byID, id)
	cs.mu.Unlock()
}

func (cs *clientSet) len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byID)
}

// closeAll closes every connection; the read loops then remove their clients
func (cs *clientSet) closeAll() {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, c := range cs.byID {
		_ = c.Conn.Close()
	}
}

// snapshot reports the open connections, oldest first
func (cs *clientSet) snapshot() []ClientInfo {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(cs.byID))
	for _, c := range cs.byID {
		last := c.lastActivity()
		infos = append(infos, ClientInfo{
			ID:           c.ID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: last,
			IPAddress:    c.IPAddress,
			InFlight:     int(c.inFlight.Load()),
			Idle:         c.inFlight.Load() == 0 && now.Sub(last) > idleAfter,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
