package provision

import (
	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/message"
	"github.com/chaz8081/meshprov/internal/scan"
)

// TransportHandler receives connection events for one target. Callbacks may
// arrive on any goroutine, including synchronously from inside a Transport
// call.
type TransportHandler interface {
	OnConnected()
	OnDisconnected()
	OnTransportError(status int, err error)
	// OnDeviceServiceDiscovered is called after discovery on a device that has
	// not been provisioned yet.
	OnDeviceServiceDiscovered(p Provisioner, err error)
	// OnNodeServiceDiscovered is called after discovery on a device that has
	// joined a network.
	OnNodeServiceDiscovered(m Messenger, err error)
}

// Transport is the async link to one BLE peripheral.
type Transport interface {
	Connect(target string, h TransportHandler) error
	DiscoverServices() error
	Close() error
}

// ProvisioningHandler receives the provisioning outcome.
type ProvisioningHandler interface {
	OnProvisioningSuccess(node *mesh.Node)
	OnProvisioningFailed(code int, err error)
}

// Provisioner runs the provisioning PDU exchange for one device.
type Provisioner interface {
	Provision(name string, network *mesh.Network, h ProvisioningHandler) error
	Release()
}

// MessageHandler receives configuration status replies.
type MessageHandler interface {
	OnAppKeyStatus(status int, netKeyIndex, appKeyIndex uint16)
	OnCompositionDataStatus(status int, page int)
	OnFastProvStatus()
}

// Messenger sends configuration messages to a provisioned node.
type Messenger interface {
	SetMessageHandler(h MessageHandler)
	SetNetwork(n *mesh.Network)
	Network() *mesh.Network
	DeviceUUID() []byte
	AppKeyAdd(m *message.AppKeyAdd) error
	CompositionDataGet(m *message.CompositionDataGet) error
	FastProvInfoSet(m *message.FastProvInfoSet) error
}

// Directory is the store of known networks and nodes.
type Directory interface {
	Reload() error
	Network(keyIndex uint16) (*mesh.Network, bool)
	NodeByAddress(address string) (*mesh.Node, bool)
}

// Sink receives the final result of every session.
type Sink interface {
	Record(r Result) error
}

// Candidates is the pool a session takes its target from.
type Candidates interface {
	Remove(address string, p scan.Pool) bool
}
