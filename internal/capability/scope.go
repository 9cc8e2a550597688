package capability

import (
	"github.com/ocmt/backend/internal/errdefs"
)

// Wildcard in a scope permits any operation.
const Wildcard = "*"

// Permissions in ascending order of authority. A ceiling expressed with any
// permission implicitly covers everything ordered below it.
const (
	PermRead         = "read"
	PermList         = "list"
	PermWrite        = "write"
	PermDelete       = "delete"
	PermAdmin        = "admin"
	PermShareFurther = "share-further"
)

var permOrder = map[string]int{
	PermRead:         0,
	PermList:         1,
	PermWrite:        2,
	PermDelete:       3,
	PermAdmin:        4,
	PermShareFurther: 5,
}

// Ord returns the ordinal of a permission, or -1 for unknown permissions.
func Ord(permission string) int {
	if o, ok := permOrder[permission]; ok {
		return o
	}
	return -1
}

// ValidateScope rejects empty scopes and unknown permissions. The wildcard is
// only valid alone.
func ValidateScope(scope []string) error {
	if len(scope) == 0 {
		return errdefs.New(errdefs.KindInvalidInput, "scope must not be empty")
	}
	for _, p := range scope {
		if p == Wildcard {
			if len(scope) != 1 {
				return errdefs.New(errdefs.KindInvalidInput, "wildcard scope must stand alone")
			}
			continue
		}
		if Ord(p) < 0 {
			return errdefs.Newf(errdefs.KindInvalidInput, "unknown permission %q", p)
		}
	}
	return nil
}

// ScopeAllows reports whether an operation is covered by a token scope.
// Membership is literal except for the wildcard; an empty scope allows
// nothing.
func ScopeAllows(scope []string, operation string) bool {
	for _, p := range scope {
		if p == Wildcard || p == operation {
			return true
		}
	}
	return false
}

// MaxOrd returns the highest ordinal present in a permission set, or -1 for
// an empty or entirely unknown set.
func MaxOrd(permissions []string) int {
	max := -1
	for _, p := range permissions {
		if o := Ord(p); o > max {
			max = o
		}
	}
	return max
}

// AboveCeiling partitions a requested scope against a ceiling: every
// permission ordered strictly above the ceiling's maximum is escalated.
// Unknown permissions are escalated rather than silently granted.
func AboveCeiling(requested, ceiling []string) (grantable, escalated []string) {
	limit := MaxOrd(ceiling)
	for _, p := range requested {
		o := Ord(p)
		if o >= 0 && o <= limit {
			grantable = append(grantable, p)
		} else {
			escalated = append(escalated, p)
		}
	}
	return grantable, escalated
}
