// Package fastprov confirms that a device provisioned by a fast-provisioning
// node joined the network, by matching the node identity beacons it
// advertises against the hash expected for its unicast address.
package fastprov

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/beacon"
	"github.com/chaz8081/meshprov/internal/mesh/crypto"
	"github.com/chaz8081/meshprov/internal/metrics"
	"github.com/chaz8081/meshprov/internal/provision"
	"github.com/chaz8081/meshprov/internal/scan"
)

// DefaultPollInterval is how often the node pool is checked.
const DefaultPollInterval = time.Second

// HashFunc derives the node identity hash for a unicast address.
type HashFunc func(identityKey, random []byte, unicastAddr uint16) ([]byte, error)

// NodePool is the part of the scan cache the matcher reads.
type NodePool interface {
	Query(p scan.Pool) []scan.Entry
}

// Options configures a Matcher.
type Options struct {
	PollInterval time.Duration
	Hash         HashFunc
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Matcher polls a node pool for a node identity beacon.
type Matcher struct {
	pool  NodePool
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger
}

// NewMatcher creates a matcher over pool. Zero option fields take defaults:
// a one second interval, the mesh node identity hash and the real clock.
func NewMatcher(pool NodePool, opts Options) *Matcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Hash == nil {
		opts.Hash = crypto.NodeHash
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{pool: pool, opts: opts, clock: opts.Clock, log: logger}
}

// Run polls until an entry in the node pool advertises the identity of node
// on network, or ctx is done. It never gives up on its own.
func (m *Matcher) Run(ctx context.Context, node *mesh.Node, network *mesh.Network) (scan.Entry, error) {
	if node == nil || network == nil {
		return scan.Entry{}, errors.New("fastprov: nil node or network")
	}
	identityKey := network.IdentityKey
	if len(identityKey) == 0 {
		k, err := crypto.IdentityKey(network.NetKey)
		if err != nil {
			return scan.Entry{}, fmt.Errorf("fastprov: derive identity key: %w", err)
		}
		identityKey = k
	}

	log := m.log.With("unicast", fmt.Sprintf("0x%04x", node.UnicastAddress))
	log.Info("[FASTPROV] waiting for node identity")
	metrics.MatcherActive.Inc()
	defer metrics.MatcherActive.Dec()

	for {
		if err := ctx.Err(); err != nil {
			return scan.Entry{}, err
		}
		if e, ok := m.pass(identityKey, node.UnicastAddress); ok {
			metrics.MatcherMatchesTotal.Inc()
			log.Info("[FASTPROV] node identity matched", "address", e.Address, "rssi", e.RSSI)
			return e, nil
		}
		if err := ctx.Err(); err != nil {
			return scan.Entry{}, err
		}
		select {
		case <-ctx.Done():
			return scan.Entry{}, ctx.Err()
		case <-m.clock.After(m.opts.PollInterval):
		}
	}
}

// pass checks one snapshot of the node pool.
func (m *Matcher) pass(identityKey []byte, unicast uint16) (scan.Entry, bool) {
	metrics.MatcherPassesTotal.Inc()
	for _, e := range m.pool.Query(scan.NodePool) {
		if e.Kind != beacon.NodeIdentity {
			continue
		}
		hash, random, ok := beacon.NodeHashAndRandom(e.Payload)
		if !ok {
			continue
		}
		want, err := m.opts.Hash(identityKey, random, unicast)
		if err != nil {
			m.log.Debug("[FASTPROV] hash failed", "address", e.Address, "error", err)
			continue
		}
		if bytes.Equal(hash, want) {
			return e, true
		}
	}
	return scan.Entry{}, false
}

// Task is a running match.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	entry scan.Entry
	err   error
}

// Start runs the match on its own goroutine.
func (m *Matcher) Start(node *mesh.Node, network *mesh.Network) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		e, err := m.Run(ctx, node, network)
		t.mu.Lock()
		t.entry, t.err = e, err
		t.mu.Unlock()
	}()
	return t
}

// Directory resolves the node and network a finished session refers to.
type Directory interface {
	Network(keyIndex uint16) (*mesh.Network, bool)
	NodeByAddress(address string) (*mesh.Node, bool)
}

// ErrNotFastProvisioned is returned by StartAfter for a result that did not
// hand off to fast provisioning.
var ErrNotFastProvisioned = errors.New("fastprov: result did not use fast provisioning")

// StartAfter starts a match for a session that handed off to fast
// provisioning. The node and network come from dir, falling back to the node
// carried by the result.
func (m *Matcher) StartAfter(r provision.Result, dir Directory) (*Task, error) {
	if !r.FastProvisionUsed {
		return nil, ErrNotFastProvisioned
	}
	network, ok := dir.Network(r.NetworkKeyIndex)
	if !ok {
		return nil, fmt.Errorf("fastprov: network %d not in directory", r.NetworkKeyIndex)
	}
	node, ok := dir.NodeByAddress(r.Address)
	if !ok {
		node = r.Node
	}
	if node == nil {
		return nil, fmt.Errorf("fastprov: no node record for %s", r.Address)
	}
	return m.Start(node, network), nil
}

// Cancel stops the task; an in-progress sleep is interrupted.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task matched or was cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the matched entry, or the cancellation error. It is only
// meaningful after Done is closed.
func (t *Task) Result() (scan.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry, t.err
}
