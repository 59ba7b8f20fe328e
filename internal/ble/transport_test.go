package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/message"
	"github.com/chaz8081/meshprov/internal/provision"
)

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
	if got := backoffDelay(100, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30) = %v, want 30s", got)
	}
}

type transportEvent struct {
	kind   string
	status int
	prov   provision.Provisioner
	msgr   provision.Messenger
	err    error
}

type recordingHandler struct {
	events chan transportEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan transportEvent, 16)}
}

func (h *recordingHandler) OnConnected()    { h.events <- transportEvent{kind: "connected"} }
func (h *recordingHandler) OnDisconnected() { h.events <- transportEvent{kind: "disconnected"} }
func (h *recordingHandler) OnTransportError(status int, err error) {
	h.events <- transportEvent{kind: "error", status: status, err: err}
}
func (h *recordingHandler) OnDeviceServiceDiscovered(p provision.Provisioner, err error) {
	h.events <- transportEvent{kind: "device", prov: p, err: err}
}
func (h *recordingHandler) OnNodeServiceDiscovered(m provision.Messenger, err error) {
	h.events <- transportEvent{kind: "node", msgr: m, err: err}
}

// next waits for the next event and checks its kind.
func (h *recordingHandler) next(t *testing.T, kind string) transportEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		if ev.kind != kind {
			t.Fatalf("event = %q (err %v), want %q", ev.kind, ev.err, kind)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", kind)
	}
	return transportEvent{}
}

type stubProvisioner struct{}

func (stubProvisioner) Provision(name string, _ *mesh.Network, h provision.ProvisioningHandler) error {
	h.OnProvisioningSuccess(&mesh.Node{Name: name, UnicastAddress: 0x0005})
	return nil
}

func (stubProvisioner) Release() {}

type stubMessenger struct{ target string }

func (stubMessenger) SetMessageHandler(provision.MessageHandler)           {}
func (stubMessenger) SetNetwork(*mesh.Network)                             {}
func (stubMessenger) Network() *mesh.Network                               { return nil }
func (stubMessenger) DeviceUUID() []byte                                   { return nil }
func (stubMessenger) AppKeyAdd(*message.AppKeyAdd) error                   { return nil }
func (stubMessenger) CompositionDataGet(*message.CompositionDataGet) error { return nil }
func (stubMessenger) FastProvInfoSet(*message.FastProvInfoSet) error       { return nil }

type stubFactory struct {
	provErr error
}

func (f stubFactory) NewProvisioner(Connection, Characteristic, Characteristic) (provision.Provisioner, error) {
	if f.provErr != nil {
		return nil, f.provErr
	}
	return stubProvisioner{}, nil
}

func (f stubFactory) NewMessenger(target string, _ Connection, _, _ Characteristic) (provision.Messenger, error) {
	return stubMessenger{target: target}, nil
}

type provisioningResult struct {
	node *mesh.Node
}

func (r *provisioningResult) OnProvisioningSuccess(n *mesh.Node) { r.node = n }
func (r *provisioningResult) OnProvisioningFailed(int, error)    {}

func TestTransportProvisionThenProxy(t *testing.T) {
	adapter := newMockAdapter(ProvisioningServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{Clock: clockwork.NewFakeClock()})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")

	if err := tr.DiscoverServices(); err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	ev := h.next(t, "device")
	if ev.err != nil || ev.prov == nil {
		t.Fatalf("device discovery = (%v, %v), want a provisioner", ev.prov, ev.err)
	}

	var res provisioningResult
	if err := ev.prov.Provision("lamp", &mesh.Network{}, &res); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if res.node == nil || res.node.Name != "lamp" {
		t.Fatalf("provisioning handler got node %+v", res.node)
	}
	if !tr.Provisioned() {
		t.Fatal("transport should be provisioned after success")
	}

	// The node drops the link and comes back exposing only the proxy service.
	adapter.setServices(ProxyServiceUUID)
	adapter.latestConnection().SimulateDisconnect()
	h.next(t, "disconnected")
	h.next(t, "connected")

	if err := tr.DiscoverServices(); err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	ev = h.next(t, "node")
	if ev.err != nil {
		t.Fatalf("node discovery error = %v", ev.err)
	}
	if m, ok := ev.msgr.(stubMessenger); !ok || m.target != "AA:BB" {
		t.Errorf("messenger = %#v, want stub for AA:BB", ev.msgr)
	}
}

func TestTransportReconnectUsesBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(ProxyServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{Clock: clock})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")
	tr.markProvisioned()

	adapter.mu.Lock()
	adapter.failConnect = 2
	adapter.mu.Unlock()
	adapter.latestConnection().SimulateDisconnect()
	h.next(t, "disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("reconnect loop did not wait for %v: %v", d, err)
		}
		clock.Advance(d)
	}
	h.next(t, "connected")

	if got := adapter.connectCount(); got != 4 {
		t.Errorf("connect attempts = %d, want 4", got)
	}
}

func TestTransportConnectError(t *testing.T) {
	adapter := newMockAdapter(ProvisioningServiceUUID)
	adapter.failConnect = 1
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := h.next(t, "error")
	if ev.status != StatusConnectFailed {
		t.Errorf("status = 0x%x, want 0x%x", ev.status, StatusConnectFailed)
	}
}

func TestTransportNoReconnectBeforeProvisioning(t *testing.T) {
	adapter := newMockAdapter(ProvisioningServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")
	adapter.latestConnection().SimulateDisconnect()
	h.next(t, "disconnected")

	time.Sleep(50 * time.Millisecond)
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
}

func TestTransportDiscoverErrors(t *testing.T) {
	adapter := newMockAdapter(ProxyServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{})

	if err := tr.DiscoverServices(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DiscoverServices() without link = %v, want ErrNotConnected", err)
	}

	h := newRecordingHandler()
	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")

	// Unprovisioned device without the provisioning service.
	if err := tr.DiscoverServices(); err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	ev := h.next(t, "device")
	if !errors.Is(ev.err, ErrNotFound) {
		t.Errorf("discovery error = %v, want ErrNotFound", ev.err)
	}

	// A provisioned node with the link down waits for the reconnect.
	tr.markProvisioned()
	tr.mu.Lock()
	tr.conn = nil
	tr.mu.Unlock()
	if err := tr.DiscoverServices(); err != nil {
		t.Errorf("DiscoverServices() while reconnecting = %v, want nil", err)
	}
}

func TestTransportFactoryError(t *testing.T) {
	adapter := newMockAdapter(ProvisioningServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{provErr: errors.New("no oob")}, TransportOptions{})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")
	if err := tr.DiscoverServices(); err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	if ev := h.next(t, "device"); ev.err == nil || ev.prov != nil {
		t.Errorf("device discovery = (%v, %v), want factory error", ev.prov, ev.err)
	}
}

func TestTransportClose(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(ProxyServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{Clock: clock})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")
	conn := adapter.latestConnection()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !conn.isDisconnected() {
		t.Error("Close() should disconnect the active link")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := tr.Connect("AA:BB", h); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Connect() after Close = %v, want ErrTransportClosed", err)
	}

	// A disconnect reported after Close is ignored.
	conn.SimulateDisconnect()
	select {
	case ev := <-h.events:
		t.Errorf("unexpected event %q after Close", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := newMockAdapter(ProxyServiceUUID)
	tr := NewGATTTransport(adapter, stubFactory{}, TransportOptions{Clock: clock})
	h := newRecordingHandler()

	if err := tr.Connect("AA:BB", h); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.next(t, "connected")
	tr.markProvisioned()

	adapter.mu.Lock()
	adapter.failConnect = 1000
	adapter.mu.Unlock()
	adapter.latestConnection().SimulateDisconnect()
	h.next(t, "disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("reconnect loop did not sleep: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	before := adapter.connectCount()
	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got := adapter.connectCount(); got != before {
		t.Errorf("connect attempts after Close = %d, want %d", got, before)
	}
}

func TestTransportRadioDisabled(t *testing.T) {
	radio := NewRadio(false)
	tr := NewGATTTransport(newMockAdapter(), stubFactory{}, TransportOptions{Radio: radio})
	if err := tr.Connect("AA:BB", newRecordingHandler()); !errors.Is(err, ErrRadioDisabled) {
		t.Errorf("Connect() = %v, want ErrRadioDisabled", err)
	}
}
