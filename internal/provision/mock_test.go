package provision

import (
	"errors"
	"sync"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/message"
	"github.com/chaz8081/meshprov/internal/scan"
)

// mockTransport answers synchronously unless a hook says otherwise.
type mockTransport struct {
	mu        sync.Mutex
	h         TransportHandler
	connects  int
	closes    int
	discovers int

	prov *mockProvisioner
	msgr *mockMessenger

	// onConnect overrides the default of reporting a connection.
	onConnect func(attempt int, h TransportHandler) error
	// nodeDiscoveryErr fails the post-provision discovery.
	nodeDiscoveryErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		prov: &mockProvisioner{node: &mesh.Node{Address: "AA:BB", UnicastAddress: 0x0005}},
		msgr: newMockMessenger(),
	}
}

func (t *mockTransport) Connect(target string, h TransportHandler) error {
	t.mu.Lock()
	t.h = h
	t.connects++
	n := t.connects
	hook := t.onConnect
	t.mu.Unlock()

	if hook != nil {
		return hook(n, h)
	}
	h.OnConnected()
	return nil
}

func (t *mockTransport) DiscoverServices() error {
	t.mu.Lock()
	t.discovers++
	h := t.h
	nodeErr := t.nodeDiscoveryErr
	t.mu.Unlock()

	if !t.prov.provisioned() {
		h.OnDeviceServiceDiscovered(t.prov, nil)
		return nil
	}
	if nodeErr != nil {
		h.OnNodeServiceDiscovered(nil, nodeErr)
		return nil
	}
	h.OnNodeServiceDiscovered(t.msgr, nil)
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *mockTransport) handler() TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *mockTransport) counts() (connects, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.closes
}

type mockProvisioner struct {
	mu        sync.Mutex
	node      *mesh.Node
	failCode  int
	calls     int
	successes int
	released  int
	name      string
	// hook runs first; returning true swallows the call without a reply.
	hook func(call int) bool
}

func (p *mockProvisioner) Provision(name string, network *mesh.Network, h ProvisioningHandler) error {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.name = name
	code := p.failCode
	node := p.node
	hook := p.hook
	p.mu.Unlock()

	if hook != nil && hook(call) {
		return nil
	}
	if code != 0 {
		h.OnProvisioningFailed(code, nil)
		return nil
	}
	n := *node
	n.NetKeyIndex = network.KeyIndex
	n.Name = name
	p.mu.Lock()
	p.successes++
	p.mu.Unlock()
	h.OnProvisioningSuccess(&n)
	return nil
}

func (p *mockProvisioner) provisioned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successes > 0
}

func (p *mockProvisioner) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

type mockMessenger struct {
	mu           sync.Mutex
	h            MessageHandler
	network      *mesh.Network
	uuid         []byte
	appKeyStatus int
	appKeyErr    error
	ackFastProv  bool
	// onAppKey runs first; returning true swallows the request.
	onAppKey func() bool
	// onNetwork runs on every Network call, outside the mock's lock.
	onNetwork func()

	appKeys      []*message.AppKeyAdd
	compositions []*message.CompositionDataGet
	fastProvs    []*message.FastProvInfoSet
}

func newMockMessenger() *mockMessenger {
	return &mockMessenger{
		uuid:        []byte{0xdd, 0x0a, 0x1c, 0x2b, 0x3e, 0x4f, 0x50, 0x61, 0x72, 0x83, 0x94, 0xa5, 0xb6, 0xc7, 0xd8, 0xe9},
		ackFastProv: true,
	}
}

func (m *mockMessenger) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.h = h
}

func (m *mockMessenger) SetNetwork(n *mesh.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network = n
}

func (m *mockMessenger) Network() *mesh.Network {
	m.mu.Lock()
	n, hook := m.network, m.onNetwork
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return n
}

func (m *mockMessenger) DeviceUUID() []byte { return m.uuid }

func (m *mockMessenger) AppKeyAdd(req *message.AppKeyAdd) error {
	m.mu.Lock()
	m.appKeys = append(m.appKeys, req)
	h, status, err, hook := m.h, m.appKeyStatus, m.appKeyErr, m.onAppKey
	m.mu.Unlock()
	if hook != nil && hook() {
		return nil
	}
	if err != nil {
		return err
	}
	h.OnAppKeyStatus(status, req.NetKeyIndex, req.AppKeyIndex)
	return nil
}

func (m *mockMessenger) CompositionDataGet(req *message.CompositionDataGet) error {
	m.mu.Lock()
	m.compositions = append(m.compositions, req)
	h := m.h
	m.mu.Unlock()
	h.OnCompositionDataStatus(0, int(req.Page))
	return nil
}

func (m *mockMessenger) FastProvInfoSet(req *message.FastProvInfoSet) error {
	m.mu.Lock()
	m.fastProvs = append(m.fastProvs, req)
	h, ack := m.h, m.ackFastProv
	m.mu.Unlock()
	if !ack {
		return errors.New("mock: fast prov rejected")
	}
	h.OnFastProvStatus()
	return nil
}

type mockDirectory struct {
	mu       sync.Mutex
	reloads  int
	networks map[uint16]*mesh.Network
	nodes    map[string]*mesh.Node
}

func (d *mockDirectory) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloads++
	return nil
}

func (d *mockDirectory) Network(idx uint16) (*mesh.Network, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.networks[idx]
	return n, ok
}

func (d *mockDirectory) NodeByAddress(addr string) (*mesh.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[addr]
	return n, ok
}

type memorySink struct {
	mu      sync.Mutex
	results []Result
}

func (s *memorySink) Record(r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memorySink) all() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

type mockCandidates struct {
	removed []string
}

func (c *mockCandidates) Remove(addr string, p scan.Pool) bool {
	if p == scan.ProvisionPool {
		c.removed = append(c.removed, addr)
	}
	return true
}
