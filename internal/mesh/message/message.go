// Package message encodes the access-layer configuration messages a
// provisioner sends to a freshly joined node, and decodes their status
// replies.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/meshprov/internal/mesh"
)

// Opcode is an access-layer opcode. One- and two-octet SIG opcodes are
// stored as-is; vendor opcodes carry the 0xC0 prefix in the top byte and the
// company ID in the low 16 bits.
type Opcode uint32

// CompanyEspressif is the Bluetooth SIG company identifier of Espressif.
const CompanyEspressif uint16 = 0x02E5

const (
	OpAppKeyAdd             Opcode = 0x00
	OpCompositionDataStatus Opcode = 0x02
	OpAppKeyStatus          Opcode = 0x8003
	OpCompositionDataGet    Opcode = 0x8008
	OpFastProvInfoSet       Opcode = 0xC0<<16 | Opcode(CompanyEspressif)
	OpFastProvInfoStatus    Opcode = 0xC1<<16 | Opcode(CompanyEspressif)
)

// DefaultPostCount is how many times a request is sent when none is given.
const DefaultPostCount = 1

// Fast Prov Info Set action byte.
const (
	ActionEnable    uint8 = 1 << 7
	ActionProvision uint8 = 0x01
)

var (
	ErrTruncated     = errors.New("message: truncated pdu")
	ErrWrongOpcode   = errors.New("message: unexpected opcode")
	ErrMissingField  = errors.New("message: missing required field")
	ErrInvalidOpcode = errors.New("message: invalid opcode")
)

// AppendOpcode appends the wire form of op to buf.
func AppendOpcode(buf []byte, op Opcode) []byte {
	switch {
	case op < 0x7F:
		return append(buf, byte(op))
	case op <= 0xFFFF:
		return binary.BigEndian.AppendUint16(buf, uint16(op))
	default:
		buf = append(buf, byte(op>>16))
		return binary.LittleEndian.AppendUint16(buf, uint16(op))
	}
}

// SplitOpcode reads the opcode at the start of pdu and returns it with the
// remaining parameters.
func SplitOpcode(pdu []byte) (Opcode, []byte, error) {
	if len(pdu) == 0 {
		return 0, nil, ErrTruncated
	}
	switch pdu[0] >> 6 {
	case 0, 1:
		if pdu[0] == 0x7F {
			return 0, nil, ErrInvalidOpcode
		}
		return Opcode(pdu[0]), pdu[1:], nil
	case 2:
		if len(pdu) < 2 {
			return 0, nil, ErrTruncated
		}
		return Opcode(binary.BigEndian.Uint16(pdu)), pdu[2:], nil
	default:
		if len(pdu) < 3 {
			return 0, nil, ErrTruncated
		}
		op := Opcode(pdu[0])<<16 | Opcode(binary.LittleEndian.Uint16(pdu[1:]))
		return op, pdu[3:], nil
	}
}

// appendKeyIndexes packs two 12-bit key indexes into three octets.
func appendKeyIndexes(buf []byte, netIdx, appIdx uint16) []byte {
	v := uint32(netIdx&0x0FFF) | uint32(appIdx&0x0FFF)<<12
	return append(buf, byte(v), byte(v>>8), byte(v>>16))
}

func readKeyIndexes(b []byte) (netIdx, appIdx uint16) {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	return uint16(v & 0x0FFF), uint16(v >> 12 & 0x0FFF)
}

// AppKeyAdd adds an application key to a node, bound to one of its network
// keys.
type AppKeyAdd struct {
	NetKeyIndex uint16
	AppKeyIndex uint16
	AppKey      mesh.Key
	PostCount   int
}

// Validate checks that the request carries a usable application key.
func (m *AppKeyAdd) Validate() error {
	if len(m.AppKey) != mesh.KeySize {
		return fmt.Errorf("%w: app key (%d bytes)", ErrMissingField, len(m.AppKey))
	}
	if m.PostCount < 0 {
		return fmt.Errorf("message: post count must be >= 0, got %d", m.PostCount)
	}
	return nil
}

// Marshal encodes the message as an access PDU.
func (m *AppKeyAdd) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	buf := AppendOpcode(nil, OpAppKeyAdd)
	buf = appendKeyIndexes(buf, m.NetKeyIndex, m.AppKeyIndex)
	return append(buf, m.AppKey...), nil
}

// CompositionDataGet requests one page of a node's composition data.
type CompositionDataGet struct {
	Page      uint8
	PostCount int
}

// Validate always succeeds for a non-negative post count; every page number
// is encodable.
func (m *CompositionDataGet) Validate() error {
	if m.PostCount < 0 {
		return fmt.Errorf("message: post count must be >= 0, got %d", m.PostCount)
	}
	return nil
}

// Marshal encodes the message as an access PDU.
func (m *CompositionDataGet) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return append(AppendOpcode(nil, OpCompositionDataGet), m.Page), nil
}

// Context flag bits of a Fast Prov Info Set message. Fields are encoded in
// bit order after the 16-bit flag field.
const (
	flagNodeAddrCount uint16 = 1 << iota
	flagUnicastMin
	flagUnicastMax
	flagFlags
	flagIVIndex
	flagNetKeyIndex
	flagGroupAddress
	flagPrimaryProvAddr
	flagMatchValue
	flagAction
)

// MaxMatchValue is the largest match value a node accepts.
const MaxMatchValue = 16

// FastProvInfoSet turns a provisioned node into a provisioner for further
// devices whose UUID starts with MatchValue.
type FastProvInfoSet struct {
	NodeAddrCount          uint16
	UnicastMin             uint16
	UnicastMax             uint16 // omitted when zero
	NetKeyIndex            *uint16
	IVIndex                *uint32 // sent together with Flags
	Flags                  uint8
	GroupAddress           uint16
	PrimaryProvisionerAddr uint16
	MatchValue             []byte
	Action                 uint8
	PostCount              int
}

// Validate checks that the fields a node needs to start fast provisioning
// are present.
func (m *FastProvInfoSet) Validate() error {
	switch {
	case m.NodeAddrCount == 0:
		return fmt.Errorf("%w: node address count", ErrMissingField)
	case m.UnicastMin == 0:
		return fmt.Errorf("%w: unicast address min", ErrMissingField)
	case m.PrimaryProvisionerAddr == 0:
		return fmt.Errorf("%w: primary provisioner address", ErrMissingField)
	case len(m.MatchValue) == 0:
		return fmt.Errorf("%w: match value", ErrMissingField)
	case len(m.MatchValue) > MaxMatchValue:
		return fmt.Errorf("message: match value must be at most %d bytes, got %d", MaxMatchValue, len(m.MatchValue))
	case m.GroupAddress == 0:
		return fmt.Errorf("%w: group address", ErrMissingField)
	case m.Action == 0:
		return fmt.Errorf("%w: action", ErrMissingField)
	case m.PostCount < 0:
		return fmt.Errorf("message: post count must be >= 0, got %d", m.PostCount)
	}
	return nil
}

// ContextFlags returns the flag bitmap describing which fields Marshal
// encodes.
func (m *FastProvInfoSet) ContextFlags() uint16 {
	var f uint16
	if m.NodeAddrCount != 0 {
		f |= flagNodeAddrCount
	}
	if m.UnicastMin != 0 {
		f |= flagUnicastMin
	}
	if m.UnicastMax != 0 {
		f |= flagUnicastMax
	}
	if m.IVIndex != nil {
		f |= flagFlags | flagIVIndex
	}
	if m.NetKeyIndex != nil {
		f |= flagNetKeyIndex
	}
	if m.GroupAddress != 0 {
		f |= flagGroupAddress
	}
	if m.PrimaryProvisionerAddr != 0 {
		f |= flagPrimaryProvAddr
	}
	if len(m.MatchValue) != 0 {
		f |= flagMatchValue
	}
	if m.Action != 0 {
		f |= flagAction
	}
	return f
}

// Marshal encodes the message as a vendor access PDU.
func (m *FastProvInfoSet) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f := m.ContextFlags()
	buf := AppendOpcode(nil, OpFastProvInfoSet)
	buf = binary.LittleEndian.AppendUint16(buf, f)
	le := binary.LittleEndian
	if f&flagNodeAddrCount != 0 {
		buf = le.AppendUint16(buf, m.NodeAddrCount)
	}
	if f&flagUnicastMin != 0 {
		buf = le.AppendUint16(buf, m.UnicastMin)
	}
	if f&flagUnicastMax != 0 {
		buf = le.AppendUint16(buf, m.UnicastMax)
	}
	if f&flagFlags != 0 {
		buf = append(buf, m.Flags)
	}
	if f&flagIVIndex != 0 {
		buf = le.AppendUint32(buf, *m.IVIndex)
	}
	if f&flagNetKeyIndex != 0 {
		buf = le.AppendUint16(buf, *m.NetKeyIndex)
	}
	if f&flagGroupAddress != 0 {
		buf = le.AppendUint16(buf, m.GroupAddress)
	}
	if f&flagPrimaryProvAddr != 0 {
		buf = le.AppendUint16(buf, m.PrimaryProvisionerAddr)
	}
	if f&flagMatchValue != 0 {
		buf = append(buf, m.MatchValue...)
	}
	if f&flagAction != 0 {
		buf = append(buf, m.Action)
	}
	return buf, nil
}

// AppKeyStatus is a node's reply to AppKeyAdd.
type AppKeyStatus struct {
	Status      uint8
	NetKeyIndex uint16
	AppKeyIndex uint16
}

// UnmarshalAppKeyStatus decodes an AppKeyStatus access PDU.
func UnmarshalAppKeyStatus(pdu []byte) (*AppKeyStatus, error) {
	op, params, err := SplitOpcode(pdu)
	if err != nil {
		return nil, err
	}
	if op != OpAppKeyStatus {
		return nil, fmt.Errorf("%w: 0x%x", ErrWrongOpcode, uint32(op))
	}
	if len(params) < 4 {
		return nil, fmt.Errorf("%w: app key status has %d parameter bytes", ErrTruncated, len(params))
	}
	netIdx, appIdx := readKeyIndexes(params[1:4])
	return &AppKeyStatus{Status: params[0], NetKeyIndex: netIdx, AppKeyIndex: appIdx}, nil
}

// CompositionDataStatus is a node's reply to CompositionDataGet.
type CompositionDataStatus struct {
	Page uint8
	Data []byte
}

// UnmarshalCompositionDataStatus decodes a CompositionDataStatus access PDU.
func UnmarshalCompositionDataStatus(pdu []byte) (*CompositionDataStatus, error) {
	op, params, err := SplitOpcode(pdu)
	if err != nil {
		return nil, err
	}
	if op != OpCompositionDataStatus {
		return nil, fmt.Errorf("%w: 0x%x", ErrWrongOpcode, uint32(op))
	}
	if len(params) < 1 {
		return nil, fmt.Errorf("%w: composition data status is empty", ErrTruncated)
	}
	data := make([]byte, len(params)-1)
	copy(data, params[1:])
	return &CompositionDataStatus{Page: params[0], Data: data}, nil
}

// Elements counts the elements described by a page 0 composition. The
// header is CID, PID, VID, CRPL and features (10 bytes); each element is
// Loc(2) NumS(1) NumV(1) followed by NumS 2-byte and NumV 4-byte model IDs.
func (c *CompositionDataStatus) Elements() (int, error) {
	if c.Page != 0 {
		return 0, fmt.Errorf("message: elements only defined for page 0, got %d", c.Page)
	}
	if len(c.Data) < 10 {
		return 0, fmt.Errorf("%w: composition header", ErrTruncated)
	}
	b := c.Data[10:]
	n := 0
	for len(b) > 0 {
		if len(b) < 4 {
			return 0, fmt.Errorf("%w: element %d header", ErrTruncated, n)
		}
		size := 4 + int(b[2])*2 + int(b[3])*4
		if len(b) < size {
			return 0, fmt.Errorf("%w: element %d models", ErrTruncated, n)
		}
		b = b[size:]
		n++
	}
	return n, nil
}
