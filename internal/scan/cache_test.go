package scan

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/beacon"
)

var devUUID = uuid.MustParse("dd0a1c2b-3e4f-5061-7283-94a5b6c7d8e9")

func provisioningPayload(name string) []byte {
	data := append(devUUID[:], 0x00, 0x00)
	p := beacon.AppendServiceData(nil, mesh.ProvisioningServiceUUID, data)
	return beacon.AppendLocalName(p, name)
}

func nodeIdentityPayload() []byte {
	data := make([]byte, 17)
	data[0] = 0x01
	return beacon.AppendServiceData(nil, mesh.ProxyServiceUUID, data)
}

func networkIDPayload() []byte {
	data := make([]byte, 9)
	return beacon.AppendServiceData(nil, mesh.ProxyServiceUUID, data)
}

func newTestCache(t *testing.T) (*Cache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := NewCache(Options{Clock: clock})
	return c, clock
}

func TestRecordObservationRoutesByKind(t *testing.T) {
	c, clock := newTestCache(t)
	now := clock.Now()

	assert.Equal(t, beacon.Provisioning, c.RecordObservation("AA", provisioningPayload("dev"), -50, now))
	assert.Equal(t, beacon.NodeIdentity, c.RecordObservation("BB", nodeIdentityPayload(), -60, now))
	assert.Equal(t, beacon.NetworkIdentity, c.RecordObservation("CC", networkIDPayload(), -70, now))
	assert.Equal(t, beacon.Unknown, c.RecordObservation("DD", []byte{0xde, 0xad}, -80, now))

	assert.Equal(t, 1, c.Len(ProvisionPool))
	assert.Equal(t, 2, c.Len(NodePool))

	_, ok := c.Get("DD", NodePool)
	assert.False(t, ok)
	_, ok = c.Get("DD", ProvisionPool)
	assert.False(t, ok)
}

func TestProvisioningThenNodeIdentityMovesPools(t *testing.T) {
	c, clock := newTestCache(t)

	c.RecordObservation("AA", provisioningPayload("dev"), -50, clock.Now())
	_, ok := c.Get("AA", ProvisionPool)
	require.True(t, ok)

	c.RecordObservation("AA", nodeIdentityPayload(), -50, clock.Now())

	_, inProvision := c.Get("AA", ProvisionPool)
	e, inNode := c.Get("AA", NodePool)
	assert.False(t, inProvision)
	require.True(t, inNode)
	assert.Equal(t, beacon.NodeIdentity, e.Kind)
}

func TestUpsertKeepsFirstSeen(t *testing.T) {
	c, clock := newTestCache(t)
	first := clock.Now()
	c.RecordObservation("AA", provisioningPayload("dev"), -50, first)

	clock.Advance(5 * time.Second)
	c.RecordObservation("AA", provisioningPayload("dev"), -42, clock.Now())

	e, ok := c.Get("AA", ProvisionPool)
	require.True(t, ok)
	assert.Equal(t, first, e.FirstSeen)
	assert.Equal(t, clock.Now(), e.LastSeen)
	assert.Equal(t, -42, e.RSSI)
}

func TestRecordObservationCopiesPayload(t *testing.T) {
	c, clock := newTestCache(t)
	p := provisioningPayload("dev")
	c.RecordObservation("AA", p, -50, clock.Now())

	p[len(p)-1] = 'X'
	e, _ := c.Get("AA", ProvisionPool)
	assert.Equal(t, "dev", beacon.LocalName(e.Payload))
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	c, clock := newTestCache(t)
	start := clock.Now()

	c.RecordObservation("OLD", provisioningPayload("old"), -50, start)
	c.RecordObservation("NODE", nodeIdentityPayload(), -50, start)

	// 45s later: a sweep runs (>30s since construction) but nothing is
	// older than 60s yet.
	clock.Advance(45 * time.Second)
	c.RecordObservation("FRESH", provisioningPayload("fresh"), -50, clock.Now())
	assert.Equal(t, 2, c.Len(ProvisionPool))
	assert.Equal(t, 1, c.Len(NodePool))

	// 80s after start: only 35s since the last sweep, so a sweep runs and
	// removes entries last seen more than 60s ago.
	clock.Advance(35 * time.Second)
	c.RecordObservation("FRESH", provisioningPayload("fresh"), -50, clock.Now())

	_, ok := c.Get("OLD", ProvisionPool)
	assert.False(t, ok, "entry untouched for 80s should be evicted")
	_, ok = c.Get("NODE", NodePool)
	assert.False(t, ok, "node entry untouched for 80s should be evicted")
	_, ok = c.Get("FRESH", ProvisionPool)
	assert.True(t, ok)
}

func TestNoSweepWithinInterval(t *testing.T) {
	c, clock := newTestCache(t)

	clock.Advance(31 * time.Second)
	c.RecordObservation("OLD", provisioningPayload("old"), -50, clock.Now()) // sweeps, t=31

	clock.Advance(31 * time.Second)
	c.RecordObservation("X", []byte{0x00}, -50, clock.Now()) // sweeps, t=62

	// OLD is 61s old but the last sweep was only 30s ago.
	clock.Advance(30 * time.Second)
	c.RecordObservation("X", []byte{0x00}, -50, clock.Now())
	_, ok := c.Get("OLD", ProvisionPool)
	assert.True(t, ok)

	// One more second crosses the interval.
	clock.Advance(time.Second)
	c.RecordObservation("X", []byte{0x00}, -50, clock.Now())
	_, ok = c.Get("OLD", ProvisionPool)
	assert.False(t, ok)
}

func TestQueryReturnsSnapshot(t *testing.T) {
	c, clock := newTestCache(t)
	c.RecordObservation("BB", provisioningPayload("b"), -50, clock.Now())
	c.RecordObservation("AA", provisioningPayload("a"), -50, clock.Now())

	snap := c.Query(ProvisionPool)
	require.Len(t, snap, 2)
	assert.Equal(t, "AA", snap[0].Address)
	assert.Equal(t, "BB", snap[1].Address)

	c.Remove("AA", ProvisionPool)
	assert.Len(t, snap, 2, "snapshot must not change after removal")
	assert.Len(t, c.Query(ProvisionPool), 1)
}

func TestRemoveAndClear(t *testing.T) {
	c, clock := newTestCache(t)
	c.RecordObservation("AA", provisioningPayload("a"), -50, clock.Now())
	c.RecordObservation("BB", nodeIdentityPayload(), -50, clock.Now())

	assert.True(t, c.Remove("AA", ProvisionPool))
	assert.False(t, c.Remove("AA", ProvisionPool))
	assert.False(t, c.Remove("BB", ProvisionPool))

	c.Clear(NodePool)
	assert.Equal(t, 0, c.Len(NodePool))
}

func TestObserveUsesClock(t *testing.T) {
	c, clock := newTestCache(t)
	clock.Advance(time.Minute)
	c.Observe("AA", provisioningPayload("a"), -50)

	e, ok := c.Get("AA", ProvisionPool)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), e.ObservedAt)
}

func TestConcurrentObservationsKeepPoolsDisjoint(t *testing.T) {
	c, clock := newTestCache(t)
	now := clock.Now()
	addrs := []string{"A0", "A1", "A2", "A3"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				addr := addrs[(i+j)%len(addrs)]
				if (i+j)%2 == 0 {
					c.RecordObservation(addr, provisioningPayload("d"), -50, now)
				} else {
					c.RecordObservation(addr, nodeIdentityPayload(), -50, now)
				}
				c.Query(NodePool)
			}
		}(i)
	}
	wg.Wait()

	for _, addr := range addrs {
		_, inNode := c.Get(addr, NodePool)
		_, inProv := c.Get(addr, ProvisionPool)
		assert.False(t, inNode && inProv, fmt.Sprintf("%s present in both pools", addr))
	}
}

func TestPoolString(t *testing.T) {
	assert.Equal(t, "node", NodePool.String())
	assert.Equal(t, "provision", ProvisionPool.String())
}
