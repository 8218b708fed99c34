package financing

import (
	"errors"
	"testing"

	"invoicefi/core/state"
	"invoicefi/storage"
)

func newTestAccess(t *testing.T, admin, authorizer [20]byte) *AccessControl {
	t.Helper()
	access := NewAccessControl(state.NewJournal(storage.NewMemDB()))
	if err := access.initialize(admin, authorizer); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return access
}

func TestAccessControlRoles(t *testing.T) {
	admin, authorizer, outsider := [20]byte{0x01}, [20]byte{0x02}, [20]byte{0x03}
	access := newTestAccess(t, admin, authorizer)

	if ok, _ := access.HasRole(RoleAdmin, admin); !ok {
		t.Fatalf("admin missing admin role")
	}
	if ok, _ := access.HasRole(RoleAuthorizer, authorizer); !ok {
		t.Fatalf("authorizer missing authorizer role")
	}
	if ok, _ := access.HasRole(RoleAdmin, outsider); ok {
		t.Fatalf("outsider should not be admin")
	}
	if err := access.RequireAdmin(outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAccessControlRotateAuthorizer(t *testing.T) {
	admin, authorizer, next := [20]byte{0x01}, [20]byte{0x02}, [20]byte{0x04}
	access := newTestAccess(t, admin, authorizer)

	if _, err := access.RotateAuthorizer(authorizer, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := access.RotateAuthorizer(admin, [20]byte{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	previous, err := access.RotateAuthorizer(admin, next)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if previous != authorizer {
		t.Fatalf("unexpected previous authorizer %x", previous)
	}
	if ok, _ := access.HasRole(RoleAuthorizer, authorizer); ok {
		t.Fatalf("old authorizer still holds role")
	}
	if ok, _ := access.HasRole(RoleAuthorizer, next); !ok {
		t.Fatalf("new authorizer missing role")
	}
}

func TestAccessControlAdminSet(t *testing.T) {
	admin, second := [20]byte{0x01}, [20]byte{0x05}
	access := newTestAccess(t, admin, [20]byte{0x02})

	if _, err := access.RevokeAdmin(admin, admin); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin, got %v", err)
	}
	if changed, err := access.GrantAdmin(admin, second); err != nil || !changed {
		t.Fatalf("grant: changed=%v err=%v", changed, err)
	}
	if changed, err := access.GrantAdmin(admin, second); err != nil || changed {
		t.Fatalf("repeat grant: changed=%v err=%v", changed, err)
	}
	if changed, err := access.RevokeAdmin(second, admin); err != nil || !changed {
		t.Fatalf("revoke: changed=%v err=%v", changed, err)
	}
	if err := access.RequireAdmin(admin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked admin still authorized: %v", err)
	}
	admins, err := access.Admins()
	if err != nil || len(admins) != 1 || admins[0] != second {
		t.Fatalf("unexpected admins %v err=%v", admins, err)
	}
}

func TestAccessControlPause(t *testing.T) {
	admin := [20]byte{0x01}
	access := newTestAccess(t, admin, [20]byte{0x02})
	if _, err := access.SetPaused([20]byte{0x09}, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if changed, err := access.SetPaused(admin, true); err != nil || !changed {
		t.Fatalf("pause: changed=%v err=%v", changed, err)
	}
	if paused, _ := access.Paused(); !paused {
		t.Fatalf("expected paused")
	}
	if changed, _ := access.SetPaused(admin, true); changed {
		t.Fatalf("second pause should be a no-op")
	}
}

func TestAccessControlUninitialised(t *testing.T) {
	access := NewAccessControl(state.NewJournal(storage.NewMemDB()))
	if _, err := access.Authorizer(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := access.initialize([20]byte{}, [20]byte{0x02}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}
