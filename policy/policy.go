// Package policy implements the opaque permission predicates spec.md §6.3
// defines for the sync core to call: permit_anonymous_read,
// permit_auth_read, permit_write, and pick_branches_for. The core never
// inspects a policy's internals; it only calls through this interface, with
// "allow everything" as the shipped default.
package policy

// Policy is the collaborator interface the sync core calls for every
// access-control decision. keyID is the 20-byte id of the requesting key
// (zero value for the anonymous path); pattern is a branch-name glob.
type Policy interface {
	PermitAnonymousRead(pattern string) bool
	PermitAuthRead(keyID [20]byte, pattern string) bool
	PermitWrite(keyID [20]byte, pattern string) bool
	PickBranchesFor(pattern string) []string
}

// AllowAll is the default Policy: every read and write is permitted, and
// branch selection is left to the include/exclude globs the session
// already carries (spec.md §6.3: "default implementations return allow").
type AllowAll struct{}

func (AllowAll) PermitAnonymousRead(pattern string) bool         { return true }
func (AllowAll) PermitAuthRead(keyID [20]byte, pattern string) bool { return true }
func (AllowAll) PermitWrite(keyID [20]byte, pattern string) bool    { return true }

// PickBranchesFor returns nil: AllowAll defers entirely to the caller's own
// include/exclude glob evaluation rather than naming branches itself.
func (AllowAll) PickBranchesFor(pattern string) []string { return nil }
