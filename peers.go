package meshchat

import (
	"net"
	"sync"
)

// Peer is a remote node with a live chat stream. The connection is owned by
// the peer entry: it is closed exactly once, via close, and nothing outside
// this file writes to the socket except the peer's writer goroutine.
type Peer struct {
	NodeID   string
	Username string

	conn net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(nodeID, username string, conn net.Conn) *Peer {
	return &Peer{
		NodeID:   nodeID,
		Username: username,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (p *Peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// enqueue hands a frame to the peer's writer without blocking. A full buffer
// drops the frame for this peer only; a slow stream must never stall fanout
// to the others.
func (p *Peer) enqueue(line []byte) bool {
	select {
	case p.send <- line:
		return true
	default:
		return false
	}
}

func (p *Peer) addr() string {
	return p.conn.RemoteAddr().String()
}

// PeerInfo is a read-only snapshot of a connected peer.
type PeerInfo struct {
	NodeID   string
	Username string
	Addr     string
}

// peerTable is the single guarded home for peer state. All mutation from the
// discovery listener, the accept loop and stream-close handlers goes through
// insert/drop; readers take snapshots rather than holding the lock.
type peerTable struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	byUser map[string]string // username -> node id
}

func newPeerTable() *peerTable {
	return &peerTable{
		peers:  make(map[string]*Peer),
		byUser: make(map[string]string),
	}
}

// insert registers a peer keyed by node id. When both sides dial at once the
// first registered stream wins and insert reports false for the loser.
func (t *peerTable) insert(p *Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.peers[p.NodeID]; exists {
		return false
	}
	t.peers[p.NodeID] = p
	if p.Username != "" {
		t.byUser[p.Username] = p.NodeID
	}
	return true
}

// drop removes p if it is still the registered stream for its node id.
// The identity check keeps a losing duplicate stream from evicting the
// winner when it is torn down.
func (t *peerTable) drop(p *Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.peers[p.NodeID]
	if !ok || cur != p {
		return false
	}
	delete(t.peers, p.NodeID)
	if id, ok := t.byUser[p.Username]; ok && id == p.NodeID {
		delete(t.byUser, p.Username)
	}
	return true
}

func (t *peerTable) get(nodeID string) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[nodeID]
}

func (t *peerTable) byUsername(username string) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.byUser[username]; ok {
		return t.peers[id]
	}
	return nil
}

// snapshot returns the current peers; safe to iterate without the lock.
func (t *peerTable) snapshot() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *peerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *peerTable) infos() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, PeerInfo{NodeID: p.NodeID, Username: p.Username, Addr: p.addr()})
	}
	return out
}
