// Package provision drives one device through connect, provision and
// post-provision configuration.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/meshprov/internal/mesh"
	"github.com/chaz8081/meshprov/internal/mesh/message"
	"github.com/chaz8081/meshprov/internal/metrics"
	"github.com/chaz8081/meshprov/internal/scan"
)

// Options configures a Session.
type Options struct {
	PostCount         int           // retry count carried by every request
	FastProvCount     int           // nodes a fast-provisioning node may add when the request leaves it unset
	UnicastAddressMin uint16        // first unicast address handed out by fast provisioning
	GroupAddress      uint16        // group address fast-provisioned nodes subscribe to
	ConnectTimeout    time.Duration // bound on each stay in Connecting, zero disables
	ReconnectMax      int           // max reconnect backoff in seconds

	Clock      clockwork.Clock
	Logger     *slog.Logger
	Sink       Sink
	Candidates Candidates
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		PostCount:         message.DefaultPostCount,
		FastProvCount:     100,
		UnicastAddressMin: 0x0400,
		GroupAddress:      mesh.GroupAddressMin,
		ConnectTimeout:    30 * time.Second,
		ReconnectMax:      30,
	}
}

// Request selects the device and where it goes.
type Request struct {
	Target        string // BLE address of the unprovisioned device
	Network       *mesh.Network
	App           *mesh.App
	Name          string
	FastProv      bool
	FastProvCount int // zero uses Options.FastProvCount
}

// maxFastProvCount is the largest node count a Fast Prov Info Set carries.
const maxFastProvCount = math.MaxUint16

// Validate checks that the request names a target, a network and an app.
func (r Request) Validate() error {
	switch {
	case r.Target == "":
		return errors.New("provision: request has no target address")
	case r.Network == nil:
		return errors.New("provision: request has no network")
	case r.App == nil:
		return errors.New("provision: request has no app")
	case r.FastProvCount < 0 || r.FastProvCount > maxFastProvCount:
		return fmt.Errorf("provision: fast prov count must be between 0 and %d, got %d", maxFastProvCount, r.FastProvCount)
	}
	return nil
}

// Result is the outcome of a session, delivered exactly once.
type Result struct {
	Success           bool
	FastProvisionUsed bool
	NetworkKeyIndex   uint16
	Address           string
	State             State
	Node              *mesh.Node
	Err               error
	FinishedAt        time.Time
}

// Session is one provisioning attempt. All methods are safe for concurrent
// use; transport and capability callbacks may arrive on any goroutine.
type Session struct {
	req       Request
	opts      Options
	transport Transport
	dir       Directory
	clock     clockwork.Clock
	log       *slog.Logger

	mu             sync.Mutex
	state          State
	started        bool
	cancelled      bool
	attempt        int
	timerGen       uint64
	timer          clockwork.Timer
	reconnectTimer clockwork.Timer
	retryPending   bool
	dialGen        uint64
	dialing        bool // a Connect is outstanding for dialGen
	node           *mesh.Node
	prov           Provisioner
	msgr           Messenger
	startedAt      time.Time
	lines          []string
	progress       []func(string)
	results        []func(Result)
	result         *Result
	done           chan struct{}
}

// NewSession creates an idle session. dir may be nil.
func NewSession(t Transport, dir Directory, req Request, opts Options) (*Session, error) {
	if t == nil {
		return nil, errors.New("provision: nil transport")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.PostCount <= 0 {
		opts.PostCount = def.PostCount
	}
	if opts.FastProvCount <= 0 {
		opts.FastProvCount = def.FastProvCount
	}
	if opts.FastProvCount > maxFastProvCount {
		return nil, fmt.Errorf("provision: fast prov count must be at most %d, got %d", maxFastProvCount, opts.FastProvCount)
	}
	if opts.UnicastAddressMin == 0 {
		opts.UnicastAddressMin = def.UnicastAddressMin
	}
	if opts.GroupAddress == 0 {
		opts.GroupAddress = def.GroupAddress
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ConnectTimeout < 0 {
		opts.ConnectTimeout = 0
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		req:       req,
		opts:      opts,
		transport: t,
		dir:       dir,
		clock:     opts.Clock,
		log:       logger.With("target", req.Target),
		done:      make(chan struct{}),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns the ordered progress log.
func (s *Session) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// OnProgress registers a listener for progress lines logged from now on.
func (s *Session) OnProgress(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, fn)
}

// OnResult registers a listener for the final result. A listener registered
// after the session finished is called immediately.
func (s *Session) OnResult(fn func(Result)) {
	s.mu.Lock()
	if s.result == nil {
		s.results = append(s.results, fn)
		s.mu.Unlock()
		return
	}
	r := *s.result
	s.mu.Unlock()
	fn(r)
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the final result once the session finished.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Wait blocks until the session finishes or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		r, _ := s.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Start begins connecting to the target. The target is removed from the
// provision pool when Options.Candidates is set.
func (s *Session) Start() error {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
		return ErrFinished
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	if s.opts.Candidates != nil {
		s.opts.Candidates.Remove(s.req.Target, scan.ProvisionPool)
	}
	s.log.Info("[PROV] starting session", "network", s.req.Network.KeyIndex, "fast_prov", s.req.FastProv)
	s.apply(event{kind: evStart})
	return nil
}

// Cancel closes the transport and ends the session Failed without waiting
// for a pending response. It is idempotent, and a no-op once the session
// finished.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.apply(event{kind: evCancel})
}

func (s *Session) machineCtx() machineCtx {
	return machineCtx{
		target:       s.req.Target,
		cancelled:    s.cancelled,
		fastProv:     s.req.FastProv,
		attempt:      s.attempt,
		reconnectMax: s.opts.ReconnectMax,
		timerGen:     s.timerGen,
		dialGen:      s.dialGen,
		retryPending: s.retryPending,
	}
}

// binding is what the I/O effects of one transition operate on, captured
// under the lock.
type binding struct {
	prov Provisioner
	msgr Messenger
	gen  uint64
}

// apply runs ev through the state machine. State changes and bookkeeping
// happen under the lock; callbacks and I/O happen after it is released, so
// capabilities may call back synchronously.
func (s *Session) apply(ev event) {
	s.mu.Lock()
	if ev.kind.linkEvent() && ev.dial == s.dialGen {
		s.dialing = false
	}
	from := s.state
	next, effs, err := transition(from, ev, s.machineCtx())
	if err != nil {
		s.mu.Unlock()
		metrics.SessionInvalidTransitionsTotal.Inc()
		s.log.Warn("[PROV] ignoring event", "error", err)
		return
	}
	s.state = next
	if next != from {
		metrics.SessionTransitionsTotal.WithLabelValues(next.String()).Inc()
	}

	var (
		lines     []string
		listeners []func(string)
		b         binding
		io        []effect
	)
	for _, e := range effs {
		switch e.kind {
		case effLog:
			s.lines = append(s.lines, e.msg)
			lines = append(lines, e.msg)
		case effBindProvisioner:
			s.prov = ev.prov
		case effRecordNode:
			s.node = ev.node
		case effBindMessenger:
			s.msgr = ev.msgr
			io = append(io, e)
		case effReleaseProvisioner:
			b.prov = s.prov
			s.prov = nil
			io = append(io, e)
		case effArmTimer:
			s.stopTimerLocked()
			s.timerGen++
			b.gen = s.timerGen
			io = append(io, e)
		case effDisarmTimer:
			s.stopTimerLocked()
			s.timerGen++
		case effConnect:
			if e.retry {
				s.attempt++
				s.retryPending = true
				metrics.SessionReconnectsTotal.Inc()
			}
			io = append(io, e)
		case effClose:
			if s.reconnectTimer != nil {
				s.reconnectTimer.Stop()
				s.reconnectTimer = nil
			}
			s.retryPending = false
			io = append(io, e)
		default:
			io = append(io, e)
		}
	}
	if b.prov == nil {
		b.prov = s.prov
	}
	b.msgr = s.msgr
	if len(lines) > 0 {
		listeners = append(listeners, s.progress...)
	}
	s.mu.Unlock()

	if next != from {
		s.log.Debug("[PROV] transition", "from", from.String(), "to", next.String(), "event", ev.kind.String())
	}
	for _, line := range lines {
		for _, fn := range listeners {
			fn(line)
		}
	}
	for _, e := range io {
		s.run(e, b)
	}
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// run performs one I/O effect.
func (s *Session) run(e effect, b binding) {
	h := handler{s: s}
	switch e.kind {
	case effConnect:
		if e.delay <= 0 {
			s.connect()
			return
		}
		s.log.Info("[PROV] reconnect backoff", "delay", e.delay)
		t := s.clock.AfterFunc(e.delay, s.connect)
		s.mu.Lock()
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
		}
		if s.state.Terminal() {
			t.Stop()
			s.reconnectTimer = nil
		} else {
			s.reconnectTimer = t
		}
		s.mu.Unlock()

	case effArmTimer:
		if s.opts.ConnectTimeout <= 0 {
			return
		}
		gen := b.gen
		t := s.clock.AfterFunc(s.opts.ConnectTimeout, func() {
			s.apply(event{kind: evConnectTimeout, gen: gen})
		})
		s.mu.Lock()
		if s.timerGen == gen {
			s.timer = t
		} else {
			t.Stop()
		}
		s.mu.Unlock()

	case effDiscoverDevice:
		if err := s.transport.DiscoverServices(); err != nil {
			s.apply(event{kind: evDeviceServiceDiscovered, err: err})
		}

	case effDiscoverNode:
		if err := s.transport.DiscoverServices(); err != nil {
			s.apply(event{kind: evNodeServiceDiscovered, err: err})
		}

	case effProvision:
		if b.prov == nil {
			return
		}
		if err := b.prov.Provision(s.req.Name, s.req.Network, h); err != nil {
			s.apply(event{kind: evProvisioningFailed, status: -1, err: err})
		}

	case effReleaseProvisioner:
		if b.prov != nil {
			b.prov.Release()
		}

	case effBindMessenger:
		s.bindMessenger(b.msgr)

	case effDispatch:
		s.apply(event{kind: e.next})

	case effSendAppKey:
		s.sendAppKey(b.msgr)

	case effSendComposition:
		req := &message.CompositionDataGet{Page: 0, PostCount: s.opts.PostCount}
		err := req.Validate()
		if err == nil {
			err = b.msgr.CompositionDataGet(req)
		}
		if err != nil {
			s.log.Warn("[PROV] composition data request failed", "error", err)
			s.apply(event{kind: evSendFailed, err: err})
		}

	case effSendFastProv:
		s.sendFastProv(b.msgr)

	case effClose:
		if err := s.transport.Close(); err != nil {
			s.log.Warn("[PROV] close transport", "error", err)
		}

	case effFinish:
		s.deliver(e.err)
	}
}

// connect issues one connect attempt unless the session moved on or an
// attempt is already outstanding.
func (s *Session) connect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	s.retryPending = false
	if s.state != StateConnecting || s.dialing {
		s.mu.Unlock()
		return
	}
	s.dialGen++
	s.dialing = true
	h := handler{s: s, dial: s.dialGen}
	s.mu.Unlock()

	if err := s.transport.Connect(s.req.Target, h); err != nil {
		h.OnTransportError(-1, err)
	}
}

// bindMessenger installs the reply handler and the network the node joined,
// preferring the directory's records over the ones the session started with.
func (s *Session) bindMessenger(m Messenger) {
	if m == nil {
		return
	}
	network := s.req.Network
	if s.dir != nil {
		if err := s.dir.Reload(); err != nil {
			s.log.Warn("[PROV] reload directory", "error", err)
		}
		if n, ok := s.dir.NodeByAddress(s.req.Target); ok {
			s.mu.Lock()
			s.node = n
			s.mu.Unlock()
		}
		if n, ok := s.dir.Network(network.KeyIndex); ok {
			network = n
		}
	}
	m.SetMessageHandler(handler{s: s})
	m.SetNetwork(network)
}

func (s *Session) sendAppKey(m Messenger) {
	netIdx := s.req.Network.KeyIndex
	if n := m.Network(); n != nil {
		netIdx = n.KeyIndex
	}
	req := &message.AppKeyAdd{
		NetKeyIndex: netIdx,
		AppKeyIndex: s.req.App.KeyIndex,
		AppKey:      s.req.App.AppKey,
		PostCount:   s.opts.PostCount,
	}
	err := req.Validate()
	if err == nil {
		err = m.AppKeyAdd(req)
	}
	if err != nil {
		s.log.Warn("[PROV] app key request failed", "error", err)
		s.apply(event{kind: evSendFailed, err: err})
	}
}

func (s *Session) sendFastProv(m Messenger) {
	count := s.req.FastProvCount
	if count == 0 {
		count = s.opts.FastProvCount
	}
	req := &message.FastProvInfoSet{
		NodeAddrCount:          uint16(count),
		UnicastMin:             s.opts.UnicastAddressMin,
		PrimaryProvisionerAddr: s.req.App.UnicastAddress,
		GroupAddress:           s.opts.GroupAddress,
		Action:                 message.ActionEnable | message.ActionProvision,
		PostCount:              s.opts.PostCount,
	}
	if id := m.DeviceUUID(); len(id) >= 2 {
		req.MatchValue = bytes.Clone(id[:2])
	}
	err := req.Validate()
	if err == nil {
		err = m.FastProvInfoSet(req)
	}
	if err != nil {
		s.log.Warn("[PROV] fast prov request failed", "error", err)
		s.apply(event{kind: evSendFailed, err: err})
	}
}

// deliver builds the result and hands it to the sink and every listener.
func (s *Session) deliver(err error) {
	s.mu.Lock()
	m := s.msgr
	s.mu.Unlock()
	var network *mesh.Network
	if m != nil {
		network = m.Network()
	}

	s.mu.Lock()
	if s.result != nil {
		s.mu.Unlock()
		return
	}
	r := Result{
		Success:           s.state.Succeeded(),
		FastProvisionUsed: s.state == StateComplete && s.req.FastProv,
		NetworkKeyIndex:   s.req.Network.KeyIndex,
		Address:           s.req.Target,
		State:             s.state,
		Node:              s.node,
		Err:               err,
		FinishedAt:        s.clock.Now(),
	}
	if network != nil {
		r.NetworkKeyIndex = network.KeyIndex
	}
	s.result = &r
	listeners := s.results
	s.results = nil
	started := s.startedAt
	s.mu.Unlock()

	if !started.IsZero() {
		metrics.SessionDuration.WithLabelValues(r.State.String()).Observe(r.FinishedAt.Sub(started).Seconds())
	}
	metrics.SessionResultsTotal.WithLabelValues(r.State.String()).Inc()
	if r.Success {
		s.log.Info("[PROV] session finished", "state", r.State.String(), "fast_prov", r.FastProvisionUsed)
	} else {
		s.log.Warn("[PROV] session failed", "state", r.State.String(), "error", err)
	}

	if s.opts.Sink != nil {
		if serr := s.opts.Sink.Record(r); serr != nil {
			s.log.Error("[PROV] record result", "error", serr)
		}
	}
	for _, fn := range listeners {
		fn(r)
	}
	close(s.done)
}

// handler adapts capability callbacks to state machine events.
type handler struct {
	s    *Session
	dial uint64 // connect attempt this handler was issued for
}

func (h handler) OnConnected()    { h.s.apply(event{kind: evConnected, dial: h.dial}) }
func (h handler) OnDisconnected() { h.s.apply(event{kind: evDisconnected, dial: h.dial}) }

func (h handler) OnTransportError(status int, err error) {
	h.s.apply(event{kind: evTransportError, status: status, err: err, dial: h.dial})
}

func (h handler) OnDeviceServiceDiscovered(p Provisioner, err error) {
	h.s.apply(event{kind: evDeviceServiceDiscovered, prov: p, err: err})
}

func (h handler) OnNodeServiceDiscovered(m Messenger, err error) {
	h.s.apply(event{kind: evNodeServiceDiscovered, msgr: m, err: err})
}

func (h handler) OnProvisioningSuccess(node *mesh.Node) {
	h.s.apply(event{kind: evProvisioned, node: node})
}

func (h handler) OnProvisioningFailed(code int, err error) {
	h.s.apply(event{kind: evProvisioningFailed, status: code, err: err})
}

func (h handler) OnAppKeyStatus(status int, netKeyIndex, appKeyIndex uint16) {
	h.s.apply(event{kind: evAppKeyStatus, status: status, netIdx: netKeyIndex, appIdx: appKeyIndex})
}

func (h handler) OnCompositionDataStatus(status int, page int) {
	h.s.apply(event{kind: evCompositionDataStatus, status: status, page: page})
}

func (h handler) OnFastProvStatus() { h.s.apply(event{kind: evFastProvStatus}) }

var (
	_ TransportHandler    = handler{}
	_ ProvisioningHandler = handler{}
	_ MessageHandler      = handler{}
)
