package vault

// Role identifies a capability class recognised by the administrative guard.
type Role uint8

const (
	// RoleOwner is the primary authority: the round operator.
	RoleOwner Role = iota
	// RoleAdmin is the protocol-level secondary authority.
	RoleAdmin
)

// accessList holds the identities recognised by the guard. The owner is a
// single address; admins form a set.
type accessList struct {
	owner  [20]byte
	admins map[[20]byte]bool
}

func newAccessList(owner [20]byte) *accessList {
	return &accessList{owner: owner, admins: make(map[[20]byte]bool)}
}

func (a *accessList) grantAdmin(addr [20]byte)  { a.admins[addr] = true }
func (a *accessList) revokeAdmin(addr [20]byte) { delete(a.admins, addr) }

func (a *accessList) holds(caller [20]byte, role Role) bool {
	switch role {
	case RoleOwner:
		return caller == a.owner
	case RoleAdmin:
		return a.admins[caller]
	default:
		return false
	}
}

// requireRole is the single capability check gating every privileged entry
// point. The caller passes the set of roles that may perform the operation;
// the failure surface is identical regardless of which action was attempted.
func (a *accessList) requireRole(caller [20]byte, roles ...Role) error {
	for _, role := range roles {
		if a.holds(caller, role) {
			return nil
		}
	}
	return ErrUnauthorized
}

// callLock is the per-instance reentrancy guard. Execution is single-threaded
// per external call; the hazard is a collaborator calling back into the
// engine mid-transfer, so the lock is a plain flag rather than a mutex.
type callLock struct {
	busy bool
}

// acquire rejects re-entrant self-calls for the duration of an entry point.
func (g *callLock) acquire() error {
	if g.busy {
		return ErrReentrantCall
	}
	g.busy = true
	return nil
}

// release must run on every exit path, error paths included.
func (g *callLock) release() {
	g.busy = false
}
