// Package outcome records the results of provisioning sessions.
//
// FileSink appends one CBOR record per session to a file; ReadAll streams
// them back. MemorySink keeps records in memory.
package outcome

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chaz8081/meshprov/internal/provision"
)

// Record is the persisted form of a provision.Result.
type Record struct {
	FinishedAt        time.Time `cbor:"1,keyasint"`
	Address           string    `cbor:"2,keyasint"`
	State             string    `cbor:"3,keyasint"`
	Success           bool      `cbor:"4,keyasint"`
	FastProvisionUsed bool      `cbor:"5,keyasint"`
	NetworkKeyIndex   uint16    `cbor:"6,keyasint"`
	UnicastAddress    uint16    `cbor:"7,keyasint,omitempty"`
	DeviceUUID        []byte    `cbor:"8,keyasint,omitempty"`
	Error             string    `cbor:"9,keyasint,omitempty"`
}

// FromResult converts a session result into a record.
func FromResult(r provision.Result) Record {
	rec := Record{
		FinishedAt:        r.FinishedAt,
		Address:           r.Address,
		State:             r.State.String(),
		Success:           r.Success,
		FastProvisionUsed: r.FastProvisionUsed,
		NetworkKeyIndex:   r.NetworkKeyIndex,
	}
	if r.Node != nil {
		rec.UnicastAddress = r.Node.UnicastAddress
		rec.DeviceUUID = append([]byte(nil), r.Node.DeviceUUID[:]...)
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("outcome: sink closed")

// FileSink appends records to a file. It is safe for concurrent use.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	closed bool
}

// Compile-time check that FileSink is a session sink.
var _ provision.Sink = (*FileSink)(nil)

// OpenFile opens path for appending, creating it with mode 0644.
func OpenFile(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening outcome file: %w", err)
	}
	return &FileSink{file: f, enc: newEncoder(f)}, nil
}

// Record appends one result.
func (s *FileSink) Record(r provision.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.enc.Encode(FromResult(r)); err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	return nil
}

// Close closes the file. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// ReadAll decodes every record in the file at path. A trailing partial
// record is reported as an error alongside the records read before it.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening outcome file: %w", err)
	}
	defer f.Close()

	dec := newDecoder(f)
	var out []Record
	for {
		var r Record
		err := dec.Decode(&r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decoding outcome %d: %w", len(out), err)
		}
		out = append(out, r)
	}
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

var _ provision.Sink = (*MemorySink)(nil)

// Record stores r.
func (s *MemorySink) Record(r provision.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, FromResult(r))
	return nil
}

// Records returns a copy of the stored records in arrival order.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
