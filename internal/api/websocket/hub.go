package websocket

import "sync"

// Hub is the connection and room table for one gateway process. Membership
// here is process-local; the cross-process view is the session mirror in
// the shared store.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // session_id -> client
	rooms   map[string]map[string]*Client // auction_id -> session_id -> client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.sessionID] = c
	h.mu.Unlock()
}

// remove drops the client from the table and every room it joined, closing
// its send channel. Returns the rooms left so the caller can run the
// store-side half of the cleanup.
func (h *Hub) remove(c *Client) (left []string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, present := h.clients[c.sessionID]; !present {
		return nil, false
	}
	delete(h.clients, c.sessionID)
	close(c.send)

	for auctionID, members := range h.rooms {
		if _, member := members[c.sessionID]; member {
			delete(members, c.sessionID)
			if len(members) == 0 {
				delete(h.rooms, auctionID)
			}
			left = append(left, auctionID)
		}
	}
	return left, true
}

func (h *Hub) join(auctionID string, c *Client) {
	h.mu.Lock()
	if h.rooms[auctionID] == nil {
		h.rooms[auctionID] = make(map[string]*Client)
	}
	h.rooms[auctionID][c.sessionID] = c
	h.mu.Unlock()
}

// leave reports whether the client was actually in the room.
func (h *Hub) leave(auctionID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[auctionID]
	if !ok {
		return false
	}
	if _, member := members[c.sessionID]; !member {
		return false
	}
	delete(members, c.sessionID)
	if len(members) == 0 {
		delete(h.rooms, auctionID)
	}
	return true
}

func (h *Hub) inRoom(auctionID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[auctionID][c.sessionID]
	return ok
}

// broadcast fans payload out to every session in the room except
// skipSessionID, returning the number of deliveries. A full send buffer
// drops the message for that client: pub/sub events are hints and clients
// resync from snapshot reads.
func (h *Hub) broadcast(auctionID string, payload []byte, skipSessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for sid, c := range h.rooms[auctionID] {
		if sid == skipSessionID {
			continue
		}
		select {
		case c.send <- payload:
			n++
		default:
		}
	}
	return n
}

func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[auctionID])
}
