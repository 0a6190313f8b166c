// Package meshchat is a serverless group-chat overlay for a single LAN.
// Nodes find each other with periodic UDP broadcast beacons, keep a full
// mesh of TCP streams to every peer on their channel, and flood messages
// with receiver-side deduplication so each message reaches every node
// exactly once. There is no coordinator, no history and no NAT traversal.
package meshchat

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DiscoveryPort is the well-known UDP port beacons are exchanged on. It is
// deliberately not configurable in Options: all nodes on a LAN must agree on
// it for discovery to work at all.
const DiscoveryPort = 54545

const (
	beaconInterval = 3 * time.Second
	dialTimeout    = 5 * time.Second
	helloTimeout   = 10 * time.Second

	// seenTTL bounds the dedup cache. Propagation across a LAN full mesh
	// finishes in well under a second, so two minutes of retention leaves
	// generous slack before an id could be mistaken for new again.
	seenTTL = 2 * time.Minute

	sendBuffer = 16

	// maxFrame bounds one encoded frame, on both sides of a stream: Send
	// and SendDirect reject anything larger, and readPeer sizes its
	// scanner to accept exactly up to this bound.
	maxFrame = 1 << 20
)

var (
	ErrNotStarted      = errors.New("meshchat: node not started")
	ErrAlreadyStarted  = errors.New("meshchat: node already started")
	ErrStopped         = errors.New("meshchat: node stopped")
	ErrUnknownPeer     = errors.New("meshchat: no connected peer with that username")
	ErrMessageTooLarge = errors.New("meshchat: message exceeds frame size limit")
	ErrPeerBusy        = errors.New("meshchat: peer send buffer full")
)

// Options configures a Node. Username and Channel are required; everything
// else has a usable zero value.
type Options struct {
	Username string
	Channel  string

	// Host and Port are the chat-stream listen address. Port 0 picks any
	// free port; the bound port is advertised in beacons.
	Host string
	Port int

	// OnMessage is invoked exactly once per unique message, including the
	// local echo of this node's own sends. It runs on a stream's reader
	// goroutine and must not block for long. No ordering is guaranteed
	// across senders.
	OnMessage func(channel, sender, body string)

	// OnDirect is invoked for direct messages addressed to Username.
	OnDirect func(from, body string)

	Logger zerolog.Logger

	// DiscoveryPort overrides the well-known port, for tests that run
	// several nodes on one host. Zero means DiscoveryPort.
	DiscoveryPort int
}

// Status reports a node's runtime state for diagnostics.
type Status struct {
	Username string
	Channel  string
	Host     string
	Port     int
	NodeID   string
	Peers    int
}

// Node is the embedding API: construct with New, then Start, Send, Stop.
// Start and Stop are one-shot; misuse is reported, not recovered from.
type Node struct {
	username string
	channel  string
	nodeID   string
	host     string
	port     int

	onMessage func(channel, sender, body string)
	onDirect  func(from, body string)
	log       zerolog.Logger

	discoveryPort int
	beaconAddr    *net.UDPAddr
	beaconEvery   time.Duration

	peers *peerTable
	seen  *seenCache

	dialMu  sync.Mutex
	dialing map[string]struct{}

	listener      net.Listener
	discoveryConn *net.UDPConn

	mu       sync.Mutex
	started  bool
	stopped  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New validates opts and builds a node. The node does no I/O until Start.
func New(opts Options) (*Node, error) {
	if opts.Username == "" {
		return nil, errors.New("meshchat: username is required")
	}
	if opts.Channel == "" {
		return nil, errors.New("meshchat: channel is required")
	}

	host := opts.Host
	if host == "" {
		host = "0.0.0.0"
	}
	discPort := opts.DiscoveryPort
	if discPort == 0 {
		discPort = DiscoveryPort
	}

	return &Node{
		username:      opts.Username,
		channel:       opts.Channel,
		nodeID:        fmt.Sprintf("%s-%s", opts.Username, uuid.NewString()[:8]),
		host:          host,
		port:          opts.Port,
		onMessage:     opts.OnMessage,
		onDirect:      opts.OnDirect,
		log:           opts.Logger,
		discoveryPort: discPort,
		beaconAddr:    &net.UDPAddr{IP: net.IPv4bcast, Port: discPort},
		beaconEvery:   beaconInterval,
		peers:         newPeerTable(),
		seen:          newSeenCache(seenTTL),
		dialing:       make(map[string]struct{}),
		shutdown:      make(chan struct{}),
	}, nil
}

// Start binds the chat listener and the discovery socket, then launches the
// accept loop, both discovery loops and the cache janitor. Only bind
// failures are fatal; everything after Start self-heals.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(n.host, strconv.Itoa(n.port)))
	if err != nil {
		return fmt.Errorf("meshchat: listen: %w", err)
	}

	// Resolve port 0 before the first beacon advertises it.
	if _, portStr, err := net.SplitHostPort(listener.Addr().String()); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil {
			n.port = p
		}
	}

	discoveryConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: n.discoveryPort})
	if err != nil {
		listener.Close()
		return fmt.Errorf("meshchat: discovery socket: %w", err)
	}

	n.listener = listener
	n.discoveryConn = discoveryConn
	n.started = true

	n.log.Info().
		Str("node_id", n.nodeID).
		Str("channel", n.channel).
		Str("addr", listener.Addr().String()).
		Int("discovery_port", n.discoveryPort).
		Msg("node started")

	n.wg.Add(4)
	go n.handleServer()
	go n.handleDiscovery()
	go n.announcePresence()
	go n.janitor()

	return nil
}

// Send floods text to the channel. It assigns the message id, echoes to the
// local callback and returns without waiting for any delivery confirmation.
func (n *Node) Send(text string) error {
	if err := n.running(); err != nil {
		return err
	}

	m := newMessage(n.channel, n.username, text)
	line, err := encodeLine(frame{Type: frameChat, Message: m})
	if err != nil {
		return fmt.Errorf("meshchat: encode: %w", err)
	}
	if len(line) > maxFrame {
		return ErrMessageTooLarge
	}

	// Mark before fanout so a reflected copy cannot double-deliver.
	n.seen.recordIfNew(m.ID)
	n.deliver(m)
	n.fanout(line, nil)
	return nil
}

// SendDirect sends text over a single peer's stream, addressed by username.
// Direct messages are not gossiped and do not touch the dedup cache. Unlike
// a flooded send, failure to hand the frame to the peer is reported: the
// caller gets ErrPeerBusy when the stream's buffer is full.
func (n *Node) SendDirect(username, text string) error {
	if err := n.running(); err != nil {
		return err
	}

	peer := n.peers.byUsername(username)
	if peer == nil {
		return ErrUnknownPeer
	}

	line, err := encodeLine(frame{
		Type:    frameDirect,
		Message: Message{Channel: n.channel, Sender: n.username, Body: text},
		To:      username,
	})
	if err != nil {
		return fmt.Errorf("meshchat: encode direct: %w", err)
	}
	if len(line) > maxFrame {
		return ErrMessageTooLarge
	}
	if !peer.enqueue(line) {
		return ErrPeerBusy
	}
	return nil
}

// Connect dials a peer without waiting for discovery. The dial and handshake
// run in the background; failure is logged, not returned, exactly as for a
// discovered peer.
func (n *Node) Connect(addr string) error {
	// The Add must happen under the lifecycle lock: once Stop observes
	// stopped=false released here, its Wait is ordered after this Add.
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if !n.started {
		return ErrNotStarted
	}
	n.wg.Add(1)
	go n.dialPeer(addr)
	return nil
}

// Stop terminates all background activity and closes every socket so that
// blocked reads and accepts unblock promptly. It may be called once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.stopped = true
	close(n.shutdown)
	n.listener.Close()
	n.discoveryConn.Close()
	n.mu.Unlock()

	for _, p := range n.peers.snapshot() {
		n.dropPeer(p)
	}
	n.wg.Wait()

	n.log.Info().Str("node_id", n.nodeID).Msg("node stopped")
	return nil
}

// LocalAddr returns the bound chat-stream address. Valid after Start.
func (n *Node) LocalAddr() string {
	n.mu.Lock()
	port := n.port
	n.mu.Unlock()
	return net.JoinHostPort(n.host, strconv.Itoa(port))
}

// Status returns a snapshot of the node's runtime state.
func (n *Node) Status() Status {
	n.mu.Lock()
	port := n.port
	n.mu.Unlock()
	return Status{
		Username: n.username,
		Channel:  n.channel,
		Host:     n.host,
		Port:     port,
		NodeID:   n.nodeID,
		Peers:    n.peers.count(),
	}
}

// Peers returns a snapshot of currently connected peers.
func (n *Node) Peers() []PeerInfo {
	return n.peers.infos()
}

func (n *Node) running() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if !n.started {
		return ErrNotStarted
	}
	return nil
}

// janitor evicts expired dedup entries so sustained traffic cannot grow the
// cache without bound.
func (n *Node) janitor() {
	defer n.wg.Done()

	ticker := time.NewTicker(seenTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := n.seen.sweep(time.Now()); removed > 0 {
				n.log.Debug().Int("evicted", removed).Msg("dedup cache swept")
			}
		case <-n.shutdown:
			return
		}
	}
}
