package protocol

import (
	"errors"
	"testing"
)

func TestIsEphemeral(t *testing.T) {
	cases := map[string]bool{
		"%cursor": true,
		"plain":   false,
		"_synced": false,
		"":        false,
	}
	for key, want := range cases {
		if got := IsEphemeral(key); got != want {
			t.Errorf("IsEphemeral(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestIsReserved(t *testing.T) {
	cases := map[string]bool{
		"_synced": true,
		"%cursor": false,
		"plain":   false,
	}
	for key, want := range cases {
		if got := IsReserved(key); got != want {
			t.Errorf("IsReserved(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestValidDomainName(t *testing.T) {
	cases := map[string]bool{
		"rooms":       true,
		"room.1":      true,
		"room_1":      true,
		"_":           false,
		"":            false,
		"room/1":      false,
		"room 1":      false,
	}
	for name, want := range cases {
		if got := ValidDomainName(name); got != want {
			t.Errorf("ValidDomainName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := Newf(CollisionUpdate, "key %q has moved on", "foo")
	if !errors.Is(err, ErrCollisionUpdate) {
		t.Errorf("errors.Is(err, ErrCollisionUpdate) = false, want true")
	}
	if errors.Is(err, ErrCollisionCreate) {
		t.Errorf("errors.Is(err, ErrCollisionCreate) = true, want false")
	}
	if errors.Is(err, ErrUnknownClient) {
		t.Errorf("errors.Is(err, ErrUnknownClient) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	bare := &Error{Kind: UnknownClient}
	if bare.Error() != "UnknownClient" {
		t.Errorf("bare.Error() = %q, want %q", bare.Error(), "UnknownClient")
	}
	withMsg := Newf(BadDomain, "domain %q is invalid", "_")
	if withMsg.Error() != `BadDomain: domain "_" is invalid` {
		t.Errorf("withMsg.Error() = %q", withMsg.Error())
	}
}

func TestHooksNilSafe(t *testing.T) {
	var h *Hooks
	// None of these may panic on a nil *Hooks.
	h.Connect("a")
	h.Disconnect("a")
	h.Subscribe("a", "room")
	h.Verbose("hi %d", 1)
	h.ErrorHook(errors.New("boom"))
	h.Collision(Message{}, errors.New("boom"))
}

func TestHooksFire(t *testing.T) {
	var gotID string
	h := &Hooks{OnConnect: func(id string) { gotID = id }}
	h.Connect("client-1")
	if gotID != "client-1" {
		t.Errorf("OnConnect hook did not fire with expected id, got %q", gotID)
	}
	// Unset fields must remain no-ops.
	h.Disconnect("client-1")
}
