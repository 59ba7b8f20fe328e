package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/provision"
)

// StatusConnectFailed is the transport status reported when a connect
// attempt fails (GATT_ERROR).
const StatusConnectFailed = 0x85

var (
	// ErrTransportClosed is returned by a transport after Close.
	ErrTransportClosed = errors.New("ble: transport closed")
	// ErrNotConnected is returned by DiscoverServices with no active link.
	ErrNotConnected = errors.New("ble: not connected")
)

// CapabilityFactory builds the provisioning and messaging capabilities on
// top of the discovered mesh characteristics.
type CapabilityFactory interface {
	NewProvisioner(conn Connection, dataIn, dataOut Characteristic) (provision.Provisioner, error)
	NewMessenger(target string, conn Connection, dataIn, dataOut Characteristic) (provision.Messenger, error)
}

// TransportOptions configures a GATTTransport.
type TransportOptions struct {
	ConnectTimeout time.Duration // bound on each connect attempt
	ReconnectMax   int           // max reconnect backoff in seconds
	Radio          *Radio
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// DefaultTransportOptions returns sensible defaults.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		ConnectTimeout: 10 * time.Second,
		ReconnectMax:   30,
	}
}

// GATTTransport carries one provisioning session over GATT. Before the
// device is provisioned it exposes the Mesh Provisioning service; once the
// capability reports success the transport switches to the Mesh Proxy
// service and reconnects on its own whenever the link drops.
type GATTTransport struct {
	adapter Adapter
	factory CapabilityFactory
	opts    TransportOptions
	clock   clockwork.Clock
	log     *slog.Logger

	mu          sync.Mutex
	target      string
	h           provision.TransportHandler
	conn        Connection
	gen         uint64
	provisioned bool
	reconnects  bool
	closed      bool
	stop        chan struct{}
}

// Compile-time check that GATTTransport implements provision.Transport.
var _ provision.Transport = (*GATTTransport)(nil)

// NewGATTTransport creates a transport. Zero option fields take defaults.
func NewGATTTransport(adapter Adapter, factory CapabilityFactory, opts TransportOptions) *GATTTransport {
	def := DefaultTransportOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GATTTransport{
		adapter: adapter,
		factory: factory,
		opts:    opts,
		clock:   opts.Clock,
		log:     logger,
		stop:    make(chan struct{}),
	}
}

// Connect starts one connect attempt. The outcome arrives through h.
func (t *GATTTransport) Connect(target string, h provision.TransportHandler) error {
	if h == nil {
		return errors.New("ble: nil transport handler")
	}
	if t.opts.Radio != nil && !t.opts.Radio.IsEnabled() {
		return ErrRadioDisabled
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.target, t.h = target, h
	t.mu.Unlock()

	go func() {
		if err := t.dial(); err != nil {
			t.log.Warn("[BLE] connect failed", "target", target, "error", err)
			h.OnTransportError(StatusConnectFailed, err)
		}
	}()
	return nil
}

// dial connects once and installs the link.
func (t *GATTTransport) dial() error {
	t.mu.Lock()
	target, closed := t.target, t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	defer cancel()
	conn, err := t.adapter.Connect(ctx, target)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Disconnect()
		return ErrTransportClosed
	}
	t.gen++
	gen := t.gen
	t.conn = conn
	h := t.h
	t.mu.Unlock()

	conn.OnDisconnect(func() { t.linkLost(gen) })
	t.log.Info("[BLE] connected", "target", target)
	h.OnConnected()
	return nil
}

// linkLost handles a disconnect of the link with generation gen.
func (t *GATTTransport) linkLost(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || t.conn == nil {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	h, target := t.h, t.target
	reconnect := t.provisioned && !t.reconnects
	if reconnect {
		t.reconnects = true
	}
	t.mu.Unlock()

	t.log.Warn("[BLE] disconnected", "target", target)
	h.OnDisconnected()
	if reconnect {
		go t.reconnectLoop()
	}
}

// reconnectLoop redials a provisioned node with exponential backoff until
// it succeeds or the transport is closed.
func (t *GATTTransport) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.reconnects = false
		t.mu.Unlock()
	}()
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, t.opts.ReconnectMax)
			t.log.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-t.stop:
				return
			case <-t.clock.After(delay):
			}
		}

		err := t.dial()
		if err == nil {
			return
		}
		if errors.Is(err, ErrTransportClosed) {
			return
		}
		t.log.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
	}
}

// DiscoverServices looks up the mesh service matching the device's phase
// and reports the capability through the handler. On a provisioned node
// whose link is down it does nothing: the reconnect reports OnConnected and
// discovery is requested again.
func (t *GATTTransport) DiscoverServices() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	conn, h, target, provisioned := t.conn, t.h, t.target, t.provisioned
	t.mu.Unlock()

	if conn == nil {
		if provisioned {
			return nil
		}
		return ErrNotConnected
	}

	go func() {
		if !provisioned {
			p, err := t.deviceCapability(conn)
			h.OnDeviceServiceDiscovered(p, err)
			return
		}
		m, err := t.nodeCapability(target, conn)
		h.OnNodeServiceDiscovered(m, err)
	}()
	return nil
}

func (t *GATTTransport) deviceCapability(conn Connection) (provision.Provisioner, error) {
	in, out, err := discoverPair(conn, ProvisioningServiceUUID, ProvisioningDataInUUID, ProvisioningDataOutUUID)
	if err != nil {
		return nil, err
	}
	p, err := t.factory.NewProvisioner(conn, in, out)
	if err != nil {
		return nil, fmt.Errorf("ble: provisioner: %w", err)
	}
	if p == nil {
		return nil, errors.New("ble: factory returned no provisioner")
	}
	return &trackingProvisioner{Provisioner: p, t: t}, nil
}

func (t *GATTTransport) nodeCapability(target string, conn Connection) (provision.Messenger, error) {
	in, out, err := discoverPair(conn, ProxyServiceUUID, ProxyDataInUUID, ProxyDataOutUUID)
	if err != nil {
		return nil, err
	}
	m, err := t.factory.NewMessenger(target, conn, in, out)
	if err != nil {
		return nil, fmt.Errorf("ble: messenger: %w", err)
	}
	if m == nil {
		return nil, errors.New("ble: factory returned no messenger")
	}
	return m, nil
}

func discoverPair(conn Connection, service, dataIn, dataOut string) (Characteristic, Characteristic, error) {
	in, err := conn.DiscoverCharacteristic(service, dataIn)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover data in: %w", err)
	}
	out, err := conn.DiscoverCharacteristic(service, dataOut)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover data out: %w", err)
	}
	return in, out, nil
}

// Provisioned reports whether the device completed provisioning over this
// transport.
func (t *GATTTransport) Provisioned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.provisioned
}

func (t *GATTTransport) markProvisioned() {
	t.mu.Lock()
	t.provisioned = true
	t.mu.Unlock()
}

// Close disconnects and stops any reconnect loop. It is safe to call more
// than once.
func (t *GATTTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.stop)
	t.mu.Unlock()

	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// trackingProvisioner switches the transport to the proxy service once
// provisioning succeeds.
type trackingProvisioner struct {
	provision.Provisioner
	t *GATTTransport
}

func (p *trackingProvisioner) Provision(name string, network *mesh.Network, h provision.ProvisioningHandler) error {
	return p.Provisioner.Provision(name, network, trackingHandler{ProvisioningHandler: h, t: p.t})
}

type trackingHandler struct {
	provision.ProvisioningHandler
	t *GATTTransport
}

func (h trackingHandler) OnProvisioningSuccess(node *mesh.Node) {
	h.t.markProvisioned()
	h.ProvisioningHandler.OnProvisioningSuccess(node)
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}
