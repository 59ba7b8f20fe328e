package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/beacon"
	"github.com/chaz8081/meshprov/internal/metrics"
)

// ErrScanning is returned by Start while a scan is running.
var ErrScanning = errors.New("ble: scan already running")

// ScanFilter selects which advertisements reach the handler.
type ScanFilter struct {
	// Services lists 16-bit service UUIDs whose service data must be present.
	// Empty means the mesh provisioning and proxy services.
	Services []uint16
}

func (f ScanFilter) match(payload []byte) bool {
	services := f.Services
	if len(services) == 0 {
		services = []uint16{mesh.ProvisioningServiceUUID, mesh.ProxyServiceUUID}
	}
	for _, uuid := range services {
		if beacon.HasServiceData(payload, uuid) {
			return true
		}
	}
	return false
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Radio   *Radio      // nil means always enabled
	OnError func(error) // called when a scan fails or the radio turns off
	Logger  *slog.Logger
}

// Scanner runs one radio scan at a time and stops it when the radio turns off.
type Scanner struct {
	adapter Adapter
	opts    ScannerOptions
	log     *slog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// NewScanner creates a scanner over adapter.
func NewScanner(adapter Adapter, opts ScannerOptions) *Scanner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{adapter: adapter, opts: opts, log: logger}
}

// Start begins scanning in the background; handler receives every matching
// advertisement on the adapter's goroutine.
func (s *Scanner) Start(filter ScanFilter, handler func(Advertisement)) error {
	if s.opts.Radio != nil && !s.opts.Radio.IsEnabled() {
		return ErrRadioDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrScanning
	}
	if err := s.adapter.Enable(); err != nil {
		metrics.ScanFailuresTotal.Inc()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	if s.opts.Radio != nil {
		s.unsubscribe = s.opts.Radio.Subscribe(func(enabled bool) {
			if !enabled {
				s.log.Warn("[BLE] radio disabled, stopping scan")
				go s.Stop()
				s.fail(ErrRadioDisabled)
			}
		})
	}

	go func() {
		defer close(done)
		s.log.Info("[BLE] scan started")
		err := s.adapter.Scan(ctx, func(adv Advertisement) {
			if filter.match(adv.Payload) {
				handler(adv)
			}
		})
		switch {
		case err == nil || ctx.Err() != nil:
		case errors.Is(err, ErrRadioDisabled) && s.opts.Radio != nil && !s.opts.Radio.IsEnabled():
			// Reported by the radio subscription.
		default:
			metrics.ScanFailuresTotal.Inc()
			s.log.Error("[BLE] scan failed", "error", err)
			s.fail(err)
		}
		s.release(done)
		s.log.Info("[BLE] scan stopped")
	}()
	return nil
}

// release clears the scan state if it still belongs to the scan that owns done.
func (s *Scanner) release(done chan struct{}) {
	s.mu.Lock()
	if s.done != done {
		s.mu.Unlock()
		return
	}
	cancel, unsubscribe := s.cancel, s.unsubscribe
	s.cancel, s.done, s.unsubscribe = nil, nil, nil
	s.mu.Unlock()
	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Scanner) fail(err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// Stop ends the running scan and waits for it to finish. It is a no-op when
// no scan is running.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done, unsubscribe := s.cancel, s.done, s.unsubscribe
	s.cancel, s.done, s.unsubscribe = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	<-done
}

// Scanning reports whether a scan is running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
