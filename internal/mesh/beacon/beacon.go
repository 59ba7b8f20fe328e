// Package beacon classifies raw BLE advertisement payloads into mesh beacon
// kinds and extracts the fields the scanner and the fast-provisioning
// matcher care about.
package beacon

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/google/uuid"

	"github.com/chaz8081/meshprov/internal/mesh"
)

// Kind is the classification of one advertisement payload.
type Kind uint8

const (
	// Unknown payloads are discarded.
	Unknown Kind = iota
	// NetworkIdentity is a proxy advertisement carrying a network ID.
	NetworkIdentity
	// NodeIdentity is a proxy advertisement carrying a node hash and random.
	NodeIdentity
	// Provisioning is an unprovisioned device beacon.
	Provisioning
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case NetworkIdentity:
		return "network-identity"
	case NodeIdentity:
		return "node-identity"
	case Provisioning:
		return "provisioning"
	default:
		return "unknown"
	}
}

// Decoder answers the three beacon predicates for a payload.
type Decoder interface {
	IsNetworkID(payload []byte) bool
	IsNodeIdentity(payload []byte) bool
	IsProvisioning(payload []byte) bool
}

// Classify dispatches over d's predicates in fixed priority order; the first
// match wins.
func Classify(d Decoder, payload []byte) Kind {
	switch {
	case d.IsNetworkID(payload):
		return NetworkIdentity
	case d.IsNodeIdentity(payload):
		return NodeIdentity
	case d.IsProvisioning(payload):
		return Provisioning
	default:
		return Unknown
	}
}

// AD type codes used by mesh advertisements.
const (
	adShortName    = 0x08
	adCompleteName = 0x09
	adServiceData  = 0x16
)

// Proxy service identification types.
const (
	idTypeNetworkID    = 0x00
	idTypeNodeIdentity = 0x01
)

const (
	networkIDLen = 8
	hashLen      = 8
	randomLen    = 8
)

// AD decodes standard BLE advertising data structures.
type AD struct{}

// Compile-time check that AD implements Decoder.
var _ Decoder = AD{}

// IsNetworkID reports whether payload holds Mesh Proxy service data with a
// network ID.
func (AD) IsNetworkID(payload []byte) bool {
	data, ok := serviceData(payload, mesh.ProxyServiceUUID)
	return ok && len(data) >= 1+networkIDLen && data[0] == idTypeNetworkID
}

// IsNodeIdentity reports whether payload holds Mesh Proxy service data with
// a node identity.
func (AD) IsNodeIdentity(payload []byte) bool {
	data, ok := serviceData(payload, mesh.ProxyServiceUUID)
	return ok && len(data) >= 1+hashLen+randomLen && data[0] == idTypeNodeIdentity
}

// IsProvisioning reports whether payload holds Mesh Provisioning service data.
func (AD) IsProvisioning(payload []byte) bool {
	data, ok := serviceData(payload, mesh.ProvisioningServiceUUID)
	return ok && len(data) >= 16
}

// DeviceUUID extracts the device UUID from an unprovisioned device beacon.
func DeviceUUID(payload []byte) (uuid.UUID, bool) {
	data, ok := serviceData(payload, mesh.ProvisioningServiceUUID)
	if !ok || len(data) < 16 {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(data[:16])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// NetworkID extracts the 8-byte network ID from a network identity beacon.
func NetworkID(payload []byte) ([]byte, bool) {
	if !(AD{}).IsNetworkID(payload) {
		return nil, false
	}
	data, _ := serviceData(payload, mesh.ProxyServiceUUID)
	return bytes.Clone(data[1 : 1+networkIDLen]), true
}

// NodeHashAndRandom extracts the hash and random from a node identity beacon.
func NodeHashAndRandom(payload []byte) (hash, random []byte, ok bool) {
	if !(AD{}).IsNodeIdentity(payload) {
		return nil, nil, false
	}
	data, _ := serviceData(payload, mesh.ProxyServiceUUID)
	hash = bytes.Clone(data[1 : 1+hashLen])
	random = bytes.Clone(data[1+hashLen : 1+hashLen+randomLen])
	return hash, random, true
}

// HasServiceData reports whether payload carries service data for the given
// 16-bit service UUID.
func HasServiceData(payload []byte, serviceUUID uint16) bool {
	_, ok := serviceData(payload, serviceUUID)
	return ok
}

// LocalName returns the complete (or else shortened) local name, if any.
func LocalName(payload []byte) string {
	var short string
	for _, s := range parse(payload) {
		switch s.typ {
		case adCompleteName:
			return string(s.data)
		case adShortName:
			short = string(s.data)
		}
	}
	return strings.TrimRight(short, "\x00")
}

// AppendServiceData appends a 16-bit UUID service data AD structure to
// payload. Platforms that do not expose raw advertisement bytes use it to
// rebuild a payload the decoder understands.
func AppendServiceData(payload []byte, serviceUUID uint16, data []byte) []byte {
	if len(data) > 252 {
		data = data[:252]
	}
	payload = append(payload, byte(len(data)+3), adServiceData)
	payload = binary.LittleEndian.AppendUint16(payload, serviceUUID)
	return append(payload, data...)
}

// AppendLocalName appends a complete local name AD structure to payload.
func AppendLocalName(payload []byte, name string) []byte {
	if name == "" {
		return payload
	}
	if len(name) > 254 {
		name = name[:254]
	}
	payload = append(payload, byte(len(name)+1), adCompleteName)
	return append(payload, name...)
}

type structure struct {
	typ  byte
	data []byte
}

// parse splits payload into AD structures. Parsing stops at a zero length
// byte or at the first structure that overruns the payload.
func parse(payload []byte) []structure {
	var out []structure
	for len(payload) > 0 {
		n := int(payload[0])
		if n == 0 || n >= len(payload) {
			break
		}
		out = append(out, structure{typ: payload[1], data: payload[2 : n+1]})
		payload = payload[n+1:]
	}
	return out
}

// serviceData returns the service data bytes following the given 16-bit UUID.
func serviceData(payload []byte, serviceUUID uint16) ([]byte, bool) {
	for _, s := range parse(payload) {
		if s.typ != adServiceData || len(s.data) < 2 {
			continue
		}
		if binary.LittleEndian.Uint16(s.data) == serviceUUID {
			return s.data[2:], true
		}
	}
	return nil, false
}
