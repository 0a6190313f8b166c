package meshchat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer is a bare TCP listener that completes the hello exchange when the
// node under test dials it, standing in for a remote node's accept side.
type fakePeer struct {
	t        *testing.T
	listener net.Listener
	nodeID   string
	channel  string
	accepted chan struct{}
}

func newFakePeer(t *testing.T, nodeID, channel string) *fakePeer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	fp := &fakePeer{
		t:        t,
		listener: listener,
		nodeID:   nodeID,
		channel:  channel,
		accepted: make(chan struct{}, 4),
	}
	go fp.serve()
	return fp
}

func (fp *fakePeer) port() int {
	return fp.listener.Addr().(*net.TCPAddr).Port
}

func (fp *fakePeer) serve() {
	for {
		conn, err := fp.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()

			// The dialing side sends its hello first.
			reader := bufio.NewReader(conn)
			raw, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var h hello
			if err := json.Unmarshal(raw, &h); err != nil || h.Type != frameHello {
				return
			}

			line, err := encodeLine(hello{
				Type:     frameHello,
				NodeID:   fp.nodeID,
				Username: "fake",
				Channel:  fp.channel,
			})
			if err != nil {
				return
			}
			if _, err := conn.Write(line); err != nil {
				return
			}

			fp.accepted <- struct{}{}
			// Hold the stream open until the test ends.
			for {
				if _, err := reader.ReadBytes('\n'); err != nil {
					return
				}
			}
		}(conn)
	}
}

// sendBeacon injects a discovery datagram at the node's own socket, so no
// test depends on broadcast reaching beyond the host.
func sendBeacon(t *testing.T, n *Node, b beacon) {
	t.Helper()

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", n.discoveryPort))
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(b)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestBeaconTriggersConnection(t *testing.T) {
	rec := &recorder{}
	n := newTestNode(t, "A", "general", rec)
	fp := newFakePeer(t, "remote-1", "general")

	sendBeacon(t, n, beacon{
		NodeID:   "remote-1",
		Channel:  "general",
		ChatPort: fp.port(),
		Username: "fake",
	})

	select {
	case <-fp.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("node never dialed the advertised peer")
	}
	waitPeers(t, n, 1)
	assert.Equal(t, "remote-1", n.Peers()[0].NodeID)
}

func TestBeaconRepetitionIsIdempotent(t *testing.T) {
	rec := &recorder{}
	n := newTestNode(t, "A", "general", rec)
	fp := newFakePeer(t, "remote-1", "general")

	b := beacon{NodeID: "remote-1", Channel: "general", ChatPort: fp.port(), Username: "fake"}
	for i := 0; i < 5; i++ {
		sendBeacon(t, n, b)
	}

	waitPeers(t, n, 1)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, n.peers.count(), "repeated beacons must not stack connections")
}

func TestBeaconFiltering(t *testing.T) {
	rec := &recorder{}
	n := newTestNode(t, "A", "general", rec)
	fp := newFakePeer(t, "remote-1", "general")

	// Foreign channel.
	sendBeacon(t, n, beacon{NodeID: "remote-1", Channel: "other", ChatPort: fp.port(), Username: "fake"})
	// Our own node id.
	sendBeacon(t, n, beacon{NodeID: n.nodeID, Channel: "general", ChatPort: fp.port(), Username: "A"})
	// Nonsense port.
	sendBeacon(t, n, beacon{NodeID: "remote-2", Channel: "general", ChatPort: 0, Username: "fake"})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, n.peers.count())
}

func TestMalformedDatagramIgnored(t *testing.T) {
	rec := &recorder{}
	n := newTestNode(t, "A", "general", rec)
	fp := newFakePeer(t, "remote-1", "general")

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", n.discoveryPort))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("SSDP-ish noise from another protocol"))
	require.NoError(t, err)
	_, err = conn.Write([]byte{0xff, 0x00, 0x13, 0x37})
	require.NoError(t, err)

	// The listener must survive and still act on the next valid beacon.
	sendBeacon(t, n, beacon{NodeID: "remote-1", Channel: "general", ChatPort: fp.port(), Username: "fake"})
	waitPeers(t, n, 1)
}

func TestBeaconsAreSentPeriodically(t *testing.T) {
	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	n, err := New(Options{
		Username:      "A",
		Channel:       "general",
		Host:          "127.0.0.1",
		DiscoveryPort: nextDiscoveryPort(),
	})
	require.NoError(t, err)

	// Redirect the limited broadcast at a local sink and tighten the
	// interval so the test observes more than one tick.
	n.beaconAddr = sink.LocalAddr().(*net.UDPAddr)
	n.beaconEvery = 50 * time.Millisecond

	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })

	buf := make([]byte, 2048)
	for i := 0; i < 2; i++ {
		sink.SetReadDeadline(time.Now().Add(3 * time.Second))
		length, _, err := sink.ReadFromUDP(buf)
		require.NoError(t, err, "expected beacon %d", i+1)

		var b beacon
		require.NoError(t, json.Unmarshal(buf[:length], &b))
		assert.Equal(t, n.nodeID, b.NodeID)
		assert.Equal(t, "general", b.Channel)
		assert.Equal(t, "A", b.Username)
		assert.Equal(t, n.Status().Port, b.ChatPort, "beacon must advertise the resolved chat port")
	}
}
