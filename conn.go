package meshchat

import (
	"bufio"
	"encoding/json"
	"net"
	"time"
)

// handleServer accepts inbound chat streams. Every connection attempt is
// accepted; validation happens in the hello exchange.
func (n *Node) handleServer() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.shutdown:
				return
			default:
				n.log.Debug().Err(err).Msg("accept error")
				continue
			}
		}

		n.wg.Add(1)
		go n.setupPeer(conn)
	}
}

// dialPeer opens an outbound stream to a discovered or manually added peer.
// Failure is non-fatal: the record stays unconnected and the next discovery
// beacon retries. Concurrent dials to the same address are collapsed.
func (n *Node) dialPeer(addr string) {
	defer n.wg.Done()

	n.dialMu.Lock()
	if _, busy := n.dialing[addr]; busy {
		n.dialMu.Unlock()
		return
	}
	n.dialing[addr] = struct{}{}
	n.dialMu.Unlock()

	defer func() {
		n.dialMu.Lock()
		delete(n.dialing, addr)
		n.dialMu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		n.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		return
	}

	n.wg.Add(1)
	n.setupPeer(conn)
}

// setupPeer runs the hello exchange on a fresh connection, registers the
// peer and starts its reader/writer. Both sides send their hello first and
// then read the other's, so inbound and outbound streams share one path.
func (n *Node) setupPeer(conn net.Conn) {
	defer n.wg.Done()

	conn.SetDeadline(time.Now().Add(helloTimeout))

	our, err := encodeLine(hello{
		Type:     frameHello,
		NodeID:   n.nodeID,
		Username: n.username,
		Channel:  n.channel,
	})
	if err != nil {
		conn.Close()
		return
	}
	if _, err := conn.Write(our); err != nil {
		conn.Close()
		return
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}

	var h hello
	if err := json.Unmarshal(line, &h); err != nil || h.Type != frameHello {
		n.log.Debug().Str("addr", conn.RemoteAddr().String()).Msg("invalid hello, dropping connection")
		conn.Close()
		return
	}
	if h.Channel != n.channel || h.NodeID == n.nodeID || h.NodeID == "" {
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	peer := newPeer(h.NodeID, h.Username, conn)
	if !n.peers.insert(peer) {
		// Simultaneous dial from both sides; the registered stream wins.
		conn.Close()
		return
	}

	// Stop closes every registered peer after the shutdown channel closes;
	// re-checking here covers a handshake that finished in between.
	select {
	case <-n.shutdown:
		n.dropPeer(peer)
		return
	default:
	}

	n.log.Info().
		Str("node_id", peer.NodeID).
		Str("username", peer.Username).
		Str("addr", peer.addr()).
		Msg("peer connected")

	n.wg.Add(2)
	go n.readPeer(peer, reader)
	go n.writePeer(peer)
}

// readPeer consumes frames from one stream in receipt order. Malformed
// frames are skipped; only a stream-level error or close ends the loop and
// removes the peer.
func (n *Node) readPeer(peer *Peer, reader *bufio.Reader) {
	defer n.wg.Done()

	scanner := bufio.NewScanner(reader)
	// Accept any frame the send side may produce; the default token limit
	// would turn a large valid message into a stream error.
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			n.log.Debug().Str("node_id", peer.NodeID).Msg("malformed frame, skipping")
			continue
		}
		n.handleFrame(peer, f)
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-n.shutdown:
		default:
			n.log.Debug().Err(err).Str("node_id", peer.NodeID).Msg("read error")
		}
	}

	n.dropPeer(peer)
}

// writePeer drains the peer's send buffer onto the socket. A write error is
// the transport's departure signal and tears the peer down.
func (n *Node) writePeer(peer *Peer) {
	defer n.wg.Done()

	for {
		select {
		case line := <-peer.send:
			if _, err := peer.conn.Write(line); err != nil {
				select {
				case <-n.shutdown:
				default:
					n.log.Debug().Err(err).Str("node_id", peer.NodeID).Msg("write error")
				}
				n.dropPeer(peer)
				return
			}
		case <-peer.done:
			return
		}
	}
}

// dropPeer closes the stream and removes the table entry. Stream close is
// the only source of peer departure; rediscovery creates a fresh record.
func (n *Node) dropPeer(peer *Peer) {
	peer.close()
	if n.peers.drop(peer) {
		n.log.Info().
			Str("node_id", peer.NodeID).
			Str("username", peer.Username).
			Msg("peer disconnected")
	}
}
