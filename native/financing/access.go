package financing

// Role names a privilege held by an identity.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAuthorizer Role = "authorizer"
)

type storedRoles struct {
	Admins     [][20]byte
	Authorizer [20]byte
	Paused     bool
}

// AccessControl gates admin operations and tracks the single authorizer.
type AccessControl struct {
	state ledgerState
}

// NewAccessControl binds role storage to state.
func NewAccessControl(state ledgerState) *AccessControl {
	return &AccessControl{state: state}
}

func (a *AccessControl) load() (*storedRoles, error) {
	var roles storedRoles
	ok, err := a.state.KVGet(rolesKey, &roles)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(ErrNotInitialized, "")
	}
	return &roles, nil
}

func (a *AccessControl) store(roles *storedRoles) error {
	return a.state.KVPut(rolesKey, roles)
}

func (a *AccessControl) initialize(admin, authorizer [20]byte) error {
	if admin == ([20]byte{}) {
		return newError(ErrInvalidIdentity, "admin")
	}
	if authorizer == ([20]byte{}) {
		return newError(ErrInvalidIdentity, "authorizer")
	}
	return a.store(&storedRoles{Admins: [][20]byte{admin}, Authorizer: authorizer})
}

// HasRole reports whether identity holds role.
func (a *AccessControl) HasRole(role Role, identity [20]byte) (bool, error) {
	roles, err := a.load()
	if err != nil {
		return false, err
	}
	switch role {
	case RoleAdmin:
		return containsIdentity(roles.Admins, identity), nil
	case RoleAuthorizer:
		return roles.Authorizer == identity && identity != [20]byte{}, nil
	default:
		return false, nil
	}
}

// RequireAdmin fails with ErrUnauthorized unless caller is an admin.
func (a *AccessControl) RequireAdmin(caller [20]byte) error {
	ok, err := a.HasRole(RoleAdmin, caller)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrUnauthorized, "caller")
	}
	return nil
}

// Authorizer returns the identity whose signatures are accepted.
func (a *AccessControl) Authorizer() ([20]byte, error) {
	roles, err := a.load()
	if err != nil {
		return [20]byte{}, err
	}
	return roles.Authorizer, nil
}

// Admins returns the current admin set.
func (a *AccessControl) Admins() ([][20]byte, error) {
	roles, err := a.load()
	if err != nil {
		return nil, err
	}
	return append([][20]byte(nil), roles.Admins...), nil
}

// Paused reports whether value-moving operations are suspended.
func (a *AccessControl) Paused() (bool, error) {
	roles, err := a.load()
	if err != nil {
		return false, err
	}
	return roles.Paused, nil
}

// RotateAuthorizer replaces the authorizer and returns the previous one.
// Exactly one identity holds the role afterwards.
func (a *AccessControl) RotateAuthorizer(caller, next [20]byte) ([20]byte, error) {
	var zero [20]byte
	if err := a.RequireAdmin(caller); err != nil {
		return zero, err
	}
	if next == zero {
		return zero, newError(ErrInvalidIdentity, "authorizer")
	}
	roles, err := a.load()
	if err != nil {
		return zero, err
	}
	previous := roles.Authorizer
	roles.Authorizer = next
	if err := a.store(roles); err != nil {
		return zero, err
	}
	return previous, nil
}

// GrantAdmin adds identity to the admin set. Granting twice is a no-op.
func (a *AccessControl) GrantAdmin(caller, identity [20]byte) (bool, error) {
	if err := a.RequireAdmin(caller); err != nil {
		return false, err
	}
	if identity == ([20]byte{}) {
		return false, newError(ErrInvalidIdentity, "admin")
	}
	roles, err := a.load()
	if err != nil {
		return false, err
	}
	if containsIdentity(roles.Admins, identity) {
		return false, nil
	}
	roles.Admins = append(roles.Admins, identity)
	return true, a.store(roles)
}

// RevokeAdmin removes identity from the admin set. The last admin cannot be
// removed.
func (a *AccessControl) RevokeAdmin(caller, identity [20]byte) (bool, error) {
	if err := a.RequireAdmin(caller); err != nil {
		return false, err
	}
	roles, err := a.load()
	if err != nil {
		return false, err
	}
	if !containsIdentity(roles.Admins, identity) {
		return false, nil
	}
	if len(roles.Admins) == 1 {
		return false, newError(ErrLastAdmin, "admin")
	}
	kept := roles.Admins[:0]
	for _, admin := range roles.Admins {
		if admin != identity {
			kept = append(kept, admin)
		}
	}
	roles.Admins = kept
	return true, a.store(roles)
}

// SetPaused toggles the pause flag and reports whether it changed.
func (a *AccessControl) SetPaused(caller [20]byte, paused bool) (bool, error) {
	if err := a.RequireAdmin(caller); err != nil {
		return false, err
	}
	roles, err := a.load()
	if err != nil {
		return false, err
	}
	if roles.Paused == paused {
		return false, nil
	}
	roles.Paused = paused
	return true, a.store(roles)
}

func containsIdentity(set [][20]byte, identity [20]byte) bool {
	if identity == ([20]byte{}) {
		return false
	}
	for _, candidate := range set {
		if candidate == identity {
			return true
		}
	}
	return false
}
