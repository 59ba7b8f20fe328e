package ble

import (
	"errors"
	"testing"
)

func TestScanEndedPoweredOffDisablesRadio(t *testing.T) {
	radio := NewRadio(true)
	var notified []bool
	radio.Subscribe(func(enabled bool) { notified = append(notified, enabled) })
	a := &TinyGoAdapter{radio: radio}

	err := a.scanEnded(errors.New("bluetooth: adaptor is not powered"))
	if !errors.Is(err, ErrRadioDisabled) {
		t.Errorf("scanEnded() = %v, want ErrRadioDisabled", err)
	}
	if radio.IsEnabled() {
		t.Error("radio should be disabled after a power-off scan error")
	}
	if len(notified) != 1 || notified[0] {
		t.Errorf("notifications = %v, want [false]", notified)
	}
}

func TestScanEndedOtherErrors(t *testing.T) {
	radio := NewRadio(true)
	a := &TinyGoAdapter{radio: radio}

	if err := a.scanEnded(nil); err != nil {
		t.Errorf("scanEnded(nil) = %v, want nil", err)
	}
	cause := errors.New("org.bluez.Error.InProgress")
	err := a.scanEnded(cause)
	if !errors.Is(err, cause) {
		t.Errorf("scanEnded() = %v, want wrapped %v", err, cause)
	}
	if errors.Is(err, ErrRadioDisabled) {
		t.Error("unrelated scan errors must not report the radio disabled")
	}
	if !radio.IsEnabled() {
		t.Error("radio should stay enabled")
	}

	// Without a radio the error is still mapped.
	if err := (&TinyGoAdapter{}).scanEnded(errors.New("bluetooth: adaptor is not powered")); !errors.Is(err, ErrRadioDisabled) {
		t.Errorf("scanEnded() without radio = %v, want ErrRadioDisabled", err)
	}
}
