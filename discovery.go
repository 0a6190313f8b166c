package meshchat

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// announcePresence broadcasts a discovery beacon for this node at a fixed
// interval. Discovery is fire-and-forget: a dropped datagram is healed by the
// next tick, so send errors only log.
func (n *Node) announcePresence() {
	defer n.wg.Done()

	conn, err := net.DialUDP("udp4", nil, n.beaconAddr)
	if err != nil {
		n.log.Warn().Err(err).Msg("discovery broadcast unavailable")
		return
	}
	defer conn.Close()

	payload, err := json.Marshal(beacon{
		NodeID:   n.nodeID,
		Channel:  n.channel,
		ChatPort: n.port,
		Username: n.username,
	})
	if err != nil {
		n.log.Error().Err(err).Msg("beacon encode failed")
		return
	}

	ticker := time.NewTicker(n.beaconEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := conn.Write(payload); err != nil {
				n.log.Debug().Err(err).Msg("beacon send failed")
			}
		case <-n.shutdown:
			return
		}
	}
}

// handleDiscovery listens for beacons from other nodes. Foreign traffic on
// the discovery port, beacons for other channels and our own beacons are all
// dropped silently; a beacon from an unconnected same-channel node triggers
// an outbound dial.
func (n *Node) handleDiscovery() {
	defer n.wg.Done()

	buffer := make([]byte, 2048)
	for {
		select {
		case <-n.shutdown:
			return
		default:
		}

		n.discoveryConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		length, addr, err := n.discoveryConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-n.shutdown:
				return
			default:
				n.log.Debug().Err(err).Msg("discovery read error")
				continue
			}
		}

		var b beacon
		if err := json.Unmarshal(buffer[:length], &b); err != nil {
			continue
		}
		if b.Channel != n.channel || b.NodeID == n.nodeID || b.ChatPort <= 0 {
			continue
		}
		if n.peers.get(b.NodeID) != nil {
			continue
		}

		target := net.JoinHostPort(addr.IP.String(), strconv.Itoa(b.ChatPort))
		n.log.Debug().
			Str("node_id", b.NodeID).
			Str("username", b.Username).
			Str("addr", target).
			Msg("discovered peer")

		n.wg.Add(1)
		go n.dialPeer(target)
	}
}
