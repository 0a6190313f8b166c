package meshchat

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn is a net.Conn that only needs to support Close and RemoteAddr.
type stubConn struct {
	net.Conn
	addr net.Addr
}

func (c stubConn) Close() error         { return nil }
func (c stubConn) RemoteAddr() net.Addr { return c.addr }

func stubPeer(nodeID, username string) *Peer {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	return newPeer(nodeID, username, stubConn{addr: addr})
}

func TestPeerTableInsertAndLookup(t *testing.T) {
	table := newPeerTable()
	p := stubPeer("node-1", "alice")

	require.True(t, table.insert(p))
	assert.Equal(t, 1, table.count())
	assert.Same(t, p, table.get("node-1"))
	assert.Same(t, p, table.byUsername("alice"))
	assert.Nil(t, table.get("node-2"))
	assert.Nil(t, table.byUsername("bob"))
}

func TestPeerTableDuplicateNodeIDLoses(t *testing.T) {
	table := newPeerTable()
	winner := stubPeer("node-1", "alice")
	loser := stubPeer("node-1", "alice")

	require.True(t, table.insert(winner))
	assert.False(t, table.insert(loser), "second stream for the same node id must be rejected")
	assert.Same(t, winner, table.get("node-1"))

	// Tearing down the losing stream must not evict the winner.
	assert.False(t, table.drop(loser))
	assert.Same(t, winner, table.get("node-1"))
	assert.Same(t, winner, table.byUsername("alice"))
}

func TestPeerTableDrop(t *testing.T) {
	table := newPeerTable()
	p := stubPeer("node-1", "alice")

	require.True(t, table.insert(p))
	assert.True(t, table.drop(p))
	assert.Equal(t, 0, table.count())
	assert.Nil(t, table.get("node-1"))
	assert.Nil(t, table.byUsername("alice"))

	// Dropping twice is harmless.
	assert.False(t, table.drop(p))
}

func TestPeerTableSnapshotIsIndependent(t *testing.T) {
	table := newPeerTable()
	require.True(t, table.insert(stubPeer("node-1", "alice")))
	require.True(t, table.insert(stubPeer("node-2", "bob")))

	snap := table.snapshot()
	assert.Len(t, snap, 2)

	table.drop(snap[0])
	assert.Len(t, snap, 2, "snapshot must not observe later mutation")
	assert.Equal(t, 1, table.count())
}

func TestPeerEnqueueDropsWhenFull(t *testing.T) {
	p := stubPeer("node-1", "alice")

	for i := 0; i < sendBuffer; i++ {
		require.True(t, p.enqueue([]byte("x\n")))
	}
	assert.False(t, p.enqueue([]byte("overflow\n")), "a full buffer must drop, not block")
}

func TestPeerCloseIsIdempotent(t *testing.T) {
	p := stubPeer("node-1", "alice")

	p.close()
	p.close()

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
}

func TestPeerTableInfos(t *testing.T) {
	table := newPeerTable()
	require.True(t, table.insert(stubPeer("node-1", "alice")))

	infos := table.infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "node-1", infos[0].NodeID)
	assert.Equal(t, "alice", infos[0].Username)
	assert.Equal(t, "127.0.0.1:9000", infos[0].Addr)
}
