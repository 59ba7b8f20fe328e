// Package mesh holds the Bluetooth Mesh model shared by the scanner, the
// provisioning session and the fast-provisioning matcher: networks, nodes
// and application keys.
package mesh

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Well-known mesh addresses and service UUIDs.
const (
	// ProvisioningServiceUUID is the 16-bit UUID of the Mesh Provisioning Service.
	ProvisioningServiceUUID uint16 = 0x1827
	// ProxyServiceUUID is the 16-bit UUID of the Mesh Proxy Service.
	ProxyServiceUUID uint16 = 0x1828

	// GroupAddressMin is the first address of the group address range.
	GroupAddressMin uint16 = 0xC000

	// KeySize is the length of network, application and identity keys.
	KeySize = 16
)

// Key is a 128-bit mesh key. It is encoded as a hex string in YAML.
type Key []byte

// ParseKey decodes a 32-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("mesh: parse key: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("mesh: key must be %d bytes, got %d", KeySize, len(b))
	}
	return Key(b), nil
}

// String returns the lowercase hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k)
}

// MarshalYAML implements yaml.Marshaler.
func (k Key) MarshalYAML() (any, error) {
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler via a string node.
func (k *Key) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*k = nil
		return nil
	}
	parsed, err := ParseKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Network is a mesh network: a group of nodes sharing a network key.
type Network struct {
	KeyIndex    uint16 `yaml:"key_index"`
	Name        string `yaml:"name"`
	NetKey      Key    `yaml:"net_key"`
	IdentityKey Key    `yaml:"identity_key,omitempty"` // derived from NetKey when empty
	IVIndex     uint32 `yaml:"iv_index"`
}

// Node is a device that completed provisioning into exactly one network.
type Node struct {
	// Address is the BLE address the node was provisioned over.
	Address        string    `yaml:"address"`
	Name           string    `yaml:"name"`
	UnicastAddress uint16    `yaml:"unicast_address"`
	NetKeyIndex    uint16    `yaml:"net_key_index"`
	DeviceUUID     uuid.UUID `yaml:"device_uuid"`
	Elements       int       `yaml:"elements,omitempty"`
}

// App is an application key bound to a network, together with the unicast
// address this provisioner uses when sending application messages.
type App struct {
	KeyIndex       uint16 `yaml:"key_index"`
	Name           string `yaml:"name"`
	AppKey         Key    `yaml:"app_key"`
	UnicastAddress uint16 `yaml:"unicast_address"`
}

// IsUnicast reports whether addr is a valid unicast address.
func IsUnicast(addr uint16) bool {
	return addr != 0 && addr&0x8000 == 0
}
