package ice

import (
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig(&fakeSocketFactory{})
	if !cfg.ControllingMode {
		t.Errorf("expected ControllingMode default true")
	}
	if !cfg.FullMode {
		t.Errorf("expected FullMode default true")
	}
	if cfg.StunServerPort != 3478 {
		t.Errorf("StunServerPort = %d, want 3478", cfg.StunServerPort)
	}
	if cfg.StunPacingTimer != 20*time.Millisecond {
		t.Errorf("StunPacingTimer = %s, want 20ms", cfg.StunPacingTimer)
	}
	if cfg.KeepaliveInterval != 15*time.Second {
		t.Errorf("KeepaliveInterval = %s, want 15s", cfg.KeepaliveInterval)
	}
}

func TestWithDefaultsRequiresSocketFactory(t *testing.T) {
	_, err := Config{}.withDefaults()
	if err == nil {
		t.Errorf("expected an error when SocketFactory is nil")
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	cfg, err := Config{SocketFactory: &fakeSocketFactory{}}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %s", err)
	}
	if cfg.StunServerPort != 3478 || cfg.StunPacingTimer != 20*time.Millisecond || cfg.KeepaliveInterval != 15*time.Second {
		t.Errorf("zero fields were not defaulted: %+v", cfg)
	}
}

func TestWithDefaultsRejectsSubMillisecondPacing(t *testing.T) {
	cfg := Config{SocketFactory: &fakeSocketFactory{}, StunPacingTimer: time.Microsecond}
	if _, err := cfg.withDefaults(); err == nil {
		t.Errorf("expected an error for a pacing timer below 1ms")
	}
}

func TestWithDefaultsDoesNotMutateReceiver(t *testing.T) {
	cfg := Config{SocketFactory: &fakeSocketFactory{}}
	_, err := cfg.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %s", err)
	}
	if cfg.StunServerPort != 0 {
		t.Errorf("withDefaults must not mutate its receiver in place, got StunServerPort=%d", cfg.StunServerPort)
	}
}

func TestRoleString(t *testing.T) {
	if Controlling.String() != "controlling" {
		t.Errorf("Controlling.String() = %q", Controlling.String())
	}
	if Controlled.String() != "controlled" {
		t.Errorf("Controlled.String() = %q", Controlled.String())
	}
}
