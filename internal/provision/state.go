package provision

import (
	"fmt"
	"time"

	"github.com/chaz8081/meshprov/internal/mesh"
)

// State is the phase a provisioning session is in.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateDiscoveringDeviceService
	StateProvisioning
	StateReconnecting
	StateDiscoveringNodeService
	StateAddingAppKey
	StateGettingCompositionData
	StateFastProvisioning

	// Terminal states.
	StateFailed
	StateProvisionedButUnconfigured
	StateComplete
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateDiscoveringDeviceService:
		return "DiscoveringDeviceService"
	case StateProvisioning:
		return "Provisioning"
	case StateReconnecting:
		return "Reconnecting"
	case StateDiscoveringNodeService:
		return "DiscoveringNodeService"
	case StateAddingAppKey:
		return "AddingAppKey"
	case StateGettingCompositionData:
		return "GettingCompositionData"
	case StateFastProvisioning:
		return "FastProvisioning"
	case StateFailed:
		return "Failed"
	case StateProvisionedButUnconfigured:
		return "ProvisionedButUnconfigured"
	case StateComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s >= StateFailed
}

// Succeeded reports whether s is a terminal state in which the device joined
// the network.
func (s State) Succeeded() bool {
	return s == StateComplete || s == StateProvisionedButUnconfigured
}

type eventKind uint8

const (
	evStart eventKind = iota
	evCancel
	evConnected
	evDisconnected
	evTransportError
	evConnectTimeout
	evDeviceServiceDiscovered
	evProvisioned
	evProvisioningFailed
	evNodeServiceDiscovered
	evAppKeyRequested
	evAppKeyStatus
	evCompositionDataStatus
	evFastProvStatus
	evSendFailed
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evCancel:
		return "cancel"
	case evConnected:
		return "transport-connected"
	case evDisconnected:
		return "transport-disconnected"
	case evTransportError:
		return "transport-error"
	case evConnectTimeout:
		return "connect-timeout"
	case evDeviceServiceDiscovered:
		return "device-service-discovered"
	case evProvisioned:
		return "provisioned"
	case evProvisioningFailed:
		return "provisioning-failed"
	case evNodeServiceDiscovered:
		return "node-service-discovered"
	case evAppKeyRequested:
		return "app-key-requested"
	case evAppKeyStatus:
		return "app-key-status"
	case evCompositionDataStatus:
		return "composition-data-status"
	case evFastProvStatus:
		return "fast-prov-status"
	case evSendFailed:
		return "send-failed"
	default:
		return "unknown"
	}
}

// event is one input to the state machine. Only the fields relevant to kind
// are set.
type event struct {
	kind   eventKind
	status int
	err    error
	node   *mesh.Node
	prov   Provisioner
	msgr   Messenger
	page   int
	netIdx uint16
	appIdx uint16
	gen    uint64 // connect timer generation
	dial   uint64 // connect attempt that produced a link event, zero if unknown
}

// linkEvent reports whether k is reported by the transport about a link.
func (k eventKind) linkEvent() bool {
	return k == evConnected || k == evDisconnected || k == evTransportError
}

type effectKind uint8

const (
	effLog effectKind = iota
	effConnect
	effArmTimer
	effDisarmTimer
	effDiscoverDevice
	effDiscoverNode
	effBindProvisioner
	effProvision
	effReleaseProvisioner
	effRecordNode
	effBindMessenger
	effDispatch
	effSendAppKey
	effSendComposition
	effSendFastProv
	effClose
	effFinish
)

// effect is a side effect requested by a transition. The session applies
// state-mutating effects under its lock and runs I/O effects after.
type effect struct {
	kind  effectKind
	msg   string
	delay time.Duration
	retry bool
	next  eventKind
	err   error
}

func logf(format string, args ...any) effect {
	return effect{kind: effLog, msg: fmt.Sprintf(format, args...)}
}

// machineCtx carries the session facts the transition function may read.
type machineCtx struct {
	target       string
	cancelled    bool
	fastProv     bool
	attempt      int
	reconnectMax int
	timerGen     uint64
	dialGen      uint64
	retryPending bool // a reconnect is scheduled but not yet issued
}

// retryDelay paces reconnect attempts: the first retry is immediate, later
// ones back off exponentially up to maxSeconds.
func retryDelay(attempt, maxSeconds int) time.Duration {
	if attempt == 0 {
		return 0
	}
	return backoffDelay(attempt-1, maxSeconds)
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

// finish closes the transport and delivers the result.
func finish(err error) []effect {
	return []effect{{kind: effDisarmTimer}, {kind: effClose}, {kind: effFinish, err: err}}
}

// transition computes the next state and the effects of applying ev in s.
// It has no side effects.
func transition(s State, ev event, c machineCtx) (State, []effect, error) {
	if s.Terminal() {
		// Late callbacks and repeated cancels after the end are ignored.
		return s, nil, nil
	}

	if ev.kind == evConnectTimeout && ev.gen != c.timerGen {
		// Fired after being disarmed.
		return s, nil, nil
	}

	if ev.kind.linkEvent() && ev.dial != 0 && ev.dial != c.dialGen {
		// Late report about the link of an earlier attempt.
		return s, nil, nil
	}

	if ev.kind == evCancel {
		effs := []effect{logf("Cancelled in %s", s)}
		if s == StateProvisioning {
			effs = append(effs, effect{kind: effReleaseProvisioner})
		}
		return StateFailed, append(effs, finish(ErrCancelled)...), nil
	}

	switch s {
	case StateIdle:
		if ev.kind == evStart {
			return StateConnecting, []effect{
				logf("Connecting to %s", c.target),
				{kind: effArmTimer},
				{kind: effConnect},
			}, nil
		}

	case StateConnecting:
		switch ev.kind {
		case evConnected:
			return StateDiscoveringDeviceService, []effect{
				logf("Connected, discovering provisioning service"),
				{kind: effDisarmTimer},
				{kind: effDiscoverDevice},
			}, nil
		case evDisconnected, evTransportError:
			if c.cancelled {
				return StateFailed, append([]effect{logf("Transport closed after cancel")}, finish(ErrCancelled)...), nil
			}
			if c.retryPending {
				// The same failure reported twice, e.g. an error then a disconnect.
				return s, nil, nil
			}
			delay := retryDelay(c.attempt, c.reconnectMax)
			return StateConnecting, []effect{
				logf("%s, retrying connect (attempt %d, delay %s)", linkLoss(ev), c.attempt+1, delay),
				{kind: effConnect, delay: delay, retry: true},
			}, nil
		case evConnectTimeout:
			return StateFailed, append([]effect{logf("Connect timed out")}, finish(ErrConnectTimeout)...), nil
		}

	case StateDiscoveringDeviceService:
		switch ev.kind {
		case evDeviceServiceDiscovered:
			if ev.err != nil || ev.prov == nil {
				err := &ProtocolError{Step: "device service discovery", Code: -1, Err: ev.err}
				return StateFailed, append([]effect{logf("Provisioning service discovery failed: %v", ev.err)}, finish(err)...), nil
			}
			return StateProvisioning, []effect{
				logf("Provisioning service found, provisioning"),
				{kind: effBindProvisioner},
				{kind: effProvision},
			}, nil
		case evDisconnected, evTransportError:
			return reconnectBeforeProvisioned(s, ev, c)
		case evConnectTimeout:
			return s, nil, nil
		}

	case StateProvisioning:
		switch ev.kind {
		case evProvisioned:
			if ev.node == nil {
				err := &ProtocolError{Step: "provisioning", Code: -1, Err: fmt.Errorf("no node record")}
				return StateFailed, append([]effect{
					logf("Provisioning reported success without a node"),
					{kind: effReleaseProvisioner},
				}, finish(err)...), nil
			}
			return StateReconnecting, []effect{
				logf("Provisioned as unicast 0x%04x, discovering proxy service", ev.node.UnicastAddress),
				{kind: effRecordNode},
				{kind: effReleaseProvisioner},
				{kind: effDiscoverNode},
			}, nil
		case evProvisioningFailed:
			err := &ProtocolError{Step: "provisioning", Code: ev.status, Err: ev.err}
			return StateFailed, append([]effect{
				logf("Provisioning failed with code %d", ev.status),
				{kind: effReleaseProvisioner},
			}, finish(err)...), nil
		case evDisconnected, evTransportError:
			return reconnectBeforeProvisioned(s, ev, c)
		case evConnectTimeout:
			return s, nil, nil
		}

	case StateReconnecting:
		switch ev.kind {
		case evNodeServiceDiscovered:
			if ev.err != nil || ev.msgr == nil {
				return StateProvisionedButUnconfigured, append([]effect{
					logf("Proxy service discovery failed: %v", ev.err),
				}, finish(nil)...), nil
			}
			return StateDiscoveringNodeService, []effect{
				logf("Proxy service found"),
				{kind: effBindMessenger},
				{kind: effDispatch, next: evAppKeyRequested},
			}, nil
		case evDisconnected, evTransportError:
			return s, []effect{logf("%s while reconnecting", linkLoss(ev))}, nil
		case evConnected:
			return s, []effect{logf("Reconnected, discovering proxy service"), {kind: effDiscoverNode}}, nil
		case evConnectTimeout:
			return s, nil, nil
		}

	case StateDiscoveringNodeService:
		if ev.kind == evAppKeyRequested {
			return StateAddingAppKey, []effect{
				logf("Adding app key"),
				{kind: effSendAppKey},
			}, nil
		}
		if next, effs, ok := configuredLinkLoss(s, ev); ok {
			return next, effs, nil
		}

	case StateAddingAppKey:
		switch ev.kind {
		case evAppKeyStatus, evSendFailed:
			return StateGettingCompositionData, []effect{
				logf("%s, requesting composition data", statusNote("App key", ev)),
				{kind: effSendComposition},
			}, nil
		}
		if next, effs, ok := configuredLinkLoss(s, ev); ok {
			return next, effs, nil
		}

	case StateGettingCompositionData:
		switch ev.kind {
		case evCompositionDataStatus, evSendFailed:
			note := statusNote("Composition data", ev)
			if c.fastProv {
				return StateFastProvisioning, []effect{
					logf("%s, requesting fast provisioning", note),
					{kind: effSendFastProv},
				}, nil
			}
			return StateComplete, append([]effect{logf("%s, complete", note)}, finish(nil)...), nil
		}
		if next, effs, ok := configuredLinkLoss(s, ev); ok {
			return next, effs, nil
		}

	case StateFastProvisioning:
		switch ev.kind {
		case evFastProvStatus:
			return StateComplete, append([]effect{logf("Fast provisioning acknowledged, complete")}, finish(nil)...), nil
		case evSendFailed:
			return StateProvisionedButUnconfigured, append([]effect{
				logf("Fast provisioning request failed: %v", ev.err),
			}, finish(nil)...), nil
		}
		if next, effs, ok := configuredLinkLoss(s, ev); ok {
			return next, effs, nil
		}
	}

	return s, nil, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev.kind, s)
}

// reconnectBeforeProvisioned handles a dropped link while the device has not
// joined yet: go back to Connecting and try again.
func reconnectBeforeProvisioned(s State, ev event, c machineCtx) (State, []effect, error) {
	effs := []effect{logf("%s in %s, reconnecting", linkLoss(ev), s)}
	if s == StateProvisioning {
		effs = append(effs, effect{kind: effReleaseProvisioner})
	}
	effs = append(effs,
		effect{kind: effArmTimer},
		effect{kind: effConnect, delay: retryDelay(c.attempt, c.reconnectMax), retry: true},
	)
	return StateConnecting, effs, nil
}

// configuredLinkLoss ends a session whose node already joined when the link
// drops during post-provision configuration.
func configuredLinkLoss(s State, ev event) (State, []effect, bool) {
	if ev.kind != evDisconnected && ev.kind != evTransportError {
		return s, nil, false
	}
	return StateProvisionedButUnconfigured, append([]effect{
		logf("%s in %s, node joined but is not fully configured", linkLoss(ev), s),
	}, finish(nil)...), true
}

func linkLoss(ev event) string {
	if ev.kind == evTransportError {
		return fmt.Sprintf("Transport error %d", ev.status)
	}
	return "Disconnected"
}

func statusNote(what string, ev event) string {
	if ev.kind == evSendFailed {
		return fmt.Sprintf("%s request failed (%v)", what, ev.err)
	}
	return fmt.Sprintf("%s status %d", what, ev.status)
}
