package conntrack

import (
	"testing"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func tcp(src string, sport uint16, dst string, dport uint16, at time.Time, flags ...string) types.Packet {
	return types.Packet{
		Timestamp:       at,
		SourceIP:        src,
		SourcePort:      sport,
		DestinationIP:   dst,
		DestinationPort: dport,
		Protocol:        types.ProtocolTCP,
		Size:            100,
		Flags:           flags,
	}
}

func TestTouchCreatesAndUpdates(t *testing.T) {
	table, err := New(1024)
	require.NoError(t, err)

	c, isNew := table.Touch(tcp("10.0.0.1", 5000, "10.0.0.2", 80, t0))
	assert.True(t, isNew)
	assert.Equal(t, uint64(1), c.PacketCount)
	assert.Equal(t, types.StateEstablished, c.State)

	c, isNew = table.Touch(tcp("10.0.0.1", 5000, "10.0.0.2", 80, t0.Add(time.Second)))
	assert.False(t, isNew)
	assert.Equal(t, uint64(2), c.PacketCount)
	assert.Equal(t, uint64(200), c.ByteCount)
	assert.Equal(t, t0, c.StartTime)
	assert.Equal(t, t0.Add(time.Second), c.LastSeen)

	assert.Equal(t, 1, table.Len())
	assert.Equal(t, uint64(1), table.Total())
}

func TestReplyDirectionSharesEntry(t *testing.T) {
	table, err := New(1024)
	require.NoError(t, err)

	table.Touch(tcp("10.0.0.1", 5000, "10.0.0.2", 80, t0))
	_, isNew := table.Touch(tcp("10.0.0.2", 80, "10.0.0.1", 5000, t0))
	assert.False(t, isNew)

	c, ok := table.Lookup(types.ConnectionKey{
		SourceIP: "10.0.0.2", SourcePort: 80,
		DestinationIP: "10.0.0.1", DestinationPort: 5000,
		Protocol: types.ProtocolTCP,
	})
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", c.SourceIP)
	assert.Equal(t, uint64(2), c.PacketCount)
}

func TestTCPHandshakeStates(t *testing.T) {
	table, err := New(1024)
	require.NoError(t, err)
	key := types.ConnectionKey{SourceIP: "10.0.0.1", SourcePort: 5000, DestinationIP: "10.0.0.2", DestinationPort: 80, Protocol: types.ProtocolTCP}

	table.Touch(tcp("10.0.0.1", 5000, "10.0.0.2", 80, t0, "SYN"))
	state, _ := table.ConnState(key)
	assert.Equal(t, types.StateSynSent, state)

	table.Touch(tcp("10.0.0.2", 80, "10.0.0.1", 5000, t0, "SYN", "ACK"))
	state, _ = table.ConnState(key)
	assert.Equal(t, types.StateSynRecv, state)

	table.Touch(tcp("10.0.0.1", 5000, "10.0.0.2", 80, t0, "ACK"))
	state, _ = table.ConnState(key)
	assert.Equal(t, types.StateEstablished, state)

	table.Touch(tcp("10.0.0.1", 5000, "10.0.0.2", 80, t0, "FIN", "ACK"))
	state, _ = table.ConnState(key)
	assert.Equal(t, types.StateFinWait, state)

	table.Touch(tcp("10.0.0.2", 80, "10.0.0.1", 5000, t0, "RST"))
	state, _ = table.ConnState(key)
	assert.Equal(t, types.StateClosed, state)
}

func TestSweepEvictsIdleAndClosed(t *testing.T) {
	table, err := New(1024)
	require.NoError(t, err)

	table.Touch(tcp("10.0.0.1", 1, "10.0.0.9", 80, t0))
	table.Touch(tcp("10.0.0.2", 1, "10.0.0.9", 80, t0.Add(50*time.Second)))
	table.Touch(tcp("10.0.0.3", 1, "10.0.0.9", 80, t0.Add(50*time.Second), "RST"))
	table.Touch(tcp("10.0.0.3", 1, "10.0.0.9", 80, t0.Add(50*time.Second), "RST"))

	expired := table.Sweep(t0.Add(61*time.Second), time.Minute)
	assert.Equal(t, 2, expired)
	require.Equal(t, 1, table.Len())
	assert.Equal(t, "10.0.0.2", table.Snapshot()[0].SourceIP)
}

func TestCapacityEvictsLeastRecent(t *testing.T) {
	table, err := New(16) // one flow per shard
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		table.Touch(tcp("10.0.0.1", uint16(1000+i), "10.0.0.2", 80, t0))
	}
	assert.LessOrEqual(t, table.Len(), 16)
	assert.Equal(t, uint64(100), table.Total())
}

func TestSnapshotIsCopy(t *testing.T) {
	table, err := New(1024)
	require.NoError(t, err)
	table.Touch(tcp("10.0.0.1", 1, "10.0.0.2", 80, t0))

	snap := table.Snapshot()
	snap[0].PacketCount = 99

	c, ok := table.Lookup(types.KeyOf(tcp("10.0.0.1", 1, "10.0.0.2", 80, t0)))
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.PacketCount)
}
