package domain

// PermissionSet maps capability flags to whether the current operator holds them.
type PermissionSet map[string]bool

// Allows reports whether flag is granted. Unknown flags are denied.
func (p PermissionSet) Allows(flag string) bool {
	return p[flag]
}

// Clone returns an independent copy of the set.
func (p PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets grant exactly the same flags.
func (p PermissionSet) Equal(other PermissionSet) bool {
	for k, v := range p {
		if v != other[k] {
			return false
		}
	}
	for k, v := range other {
		if v != p[k] {
			return false
		}
	}
	return true
}
