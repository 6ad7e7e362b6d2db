package store

import (
	"bytes"
	"errors"
	"testing"
)

func TestCheckIdentity(t *testing.T) {
	st := testStore(t)

	t.Run("first observation pins", func(t *testing.T) {
		if err := st.CheckIdentity(aci, identityA); err != nil {
			t.Fatalf("CheckIdentity: %v", err)
		}
		pinned, _ := st.IdentityKey(aci)
		if !bytes.Equal(pinned, identityA) {
			t.Errorf("pinned %v, want %v", pinned, identityA)
		}
	})

	t.Run("same key accepted", func(t *testing.T) {
		if err := st.CheckIdentity(aci, identityA); err != nil {
			t.Fatalf("CheckIdentity: %v", err)
		}
	})

	t.Run("mismatch rejected without repin", func(t *testing.T) {
		err := st.CheckIdentity(aci, identityB)
		var tv *TrustViolationError
		if !errors.As(err, &tv) {
			t.Fatalf("expected TrustViolationError, got %v", err)
		}

		pinned, _ := st.IdentityKey(aci)
		if !bytes.Equal(pinned, identityA) {
			t.Errorf("pinned key mutated on violation: %v", pinned)
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		if err := st.CheckIdentity(aci, nil); err == nil {
			t.Fatal("expected error for empty identity key")
		}
	})
}

func TestRepin(t *testing.T) {
	st := testStore(t)

	if err := st.ReplaceDevices(aci, devicesWithKey(identityA, 1, 2)); err != nil {
		t.Fatalf("ReplaceDevices: %v", err)
	}
	if err := st.StoreSession(aci, 1, &SessionRecord{Record: []byte("r"), IdentityKey: identityA}); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	if err := st.Repin(aci, identityB); err != nil {
		t.Fatalf("Repin: %v", err)
	}

	pinned, _ := st.IdentityKey(aci)
	if !bytes.Equal(pinned, identityB) {
		t.Errorf("pinned %v, want %v", pinned, identityB)
	}
	devices, _ := st.Devices(aci)
	if len(devices) != 0 {
		t.Errorf("devices survived repin: %v", devices)
	}
	open, _ := st.HasOpenSession(aci, 1)
	if open {
		t.Error("session survived repin")
	}

	// The new key is now trusted.
	if err := st.CheckIdentity(aci, identityB); err != nil {
		t.Errorf("CheckIdentity after repin: %v", err)
	}
}

func TestResetIdentity(t *testing.T) {
	st := testStore(t)

	if err := st.ReplaceDevices(aci, devicesWithKey(identityA, 1)); err != nil {
		t.Fatalf("ReplaceDevices: %v", err)
	}
	if err := st.StoreSession(aci, 1, &SessionRecord{Record: []byte("r"), IdentityKey: identityA}); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	if err := st.ResetIdentity(aci); err != nil {
		t.Fatalf("ResetIdentity: %v", err)
	}

	pinned, _ := st.IdentityKey(aci)
	if pinned != nil {
		t.Errorf("pinned key survived reset: %v", pinned)
	}
	devices, _ := st.Devices(aci)
	if len(devices) != 0 {
		t.Errorf("devices survived reset: %v", devices)
	}
	open, _ := st.HasOpenSession(aci, 1)
	if open {
		t.Error("session survived reset")
	}
}
