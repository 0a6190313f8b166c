package meshchat

// Flooding with duplicate suppression. Every inbound chat frame passes the
// seen-cache gate exactly once; propagation across the mesh terminates
// because every node dedupes, not because forwarding is bounded.

// handleFrame processes one frame received from peer over its stream.
func (n *Node) handleFrame(from *Peer, f frame) {
	switch f.Type {
	case frameChat:
		if f.ID == "" || f.Channel != n.channel {
			return
		}
		if !n.seen.recordIfNew(f.ID) {
			return
		}
		n.deliver(f.Message)
		// Forward unchanged to everyone but the stream it arrived on.
		// Skipping the sender is bandwidth hygiene only; its own cache
		// would absorb the echo.
		n.forward(f, from)
	case frameDirect:
		if f.To != n.username {
			return
		}
		n.deliverDirect(f.Sender, f.Body)
	default:
		n.log.Debug().Str("type", f.Type).Msg("unknown frame type, skipping")
	}
}

// forward re-encodes a received frame and fans it out to every connected
// peer except exclude.
func (n *Node) forward(f frame, exclude *Peer) {
	line, err := encodeLine(f)
	if err != nil {
		n.log.Error().Err(err).Msg("frame encode failed")
		return
	}
	n.fanout(line, exclude)
}

// fanout hands one encoded frame to every peer's writer except exclude.
// Sends are independent per peer; a failure or full buffer on one stream
// never affects the rest and is never rolled back.
func (n *Node) fanout(line []byte, exclude *Peer) {
	for _, p := range n.peers.snapshot() {
		if p == exclude {
			continue
		}
		if !p.enqueue(line) {
			n.log.Warn().Str("node_id", p.NodeID).Msg("peer send buffer full, dropping frame")
		}
	}
}

// deliver invokes the caller's message callback. Callback panics are
// contained here; they log and never unwind into the router.
func (n *Node) deliver(m Message) {
	if n.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Msg("message callback panicked")
		}
	}()
	n.onMessage(m.Channel, m.Sender, m.Body)
}

func (n *Node) deliverDirect(from, body string) {
	if n.onDirect == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Msg("direct callback panicked")
		}
	}()
	n.onDirect(from, body)
}
