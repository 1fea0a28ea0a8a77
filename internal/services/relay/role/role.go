// Package role maps participant roles to the strategies that react to
// messages transiting the relay.
package role

import "strings"

// Role identifies a participant class. Comparison is exact and
// case-sensitive.
type Role string

// Known roles.
const (
	Customer  Role = "customer"
	Counselor Role = "counselor"
)

// AttributeKey is the session attribute that holds the connection's role.
const AttributeKey = "role"

// Destination prefixes used for role inference when a session carries no
// role attribute.
var (
	customerPrefixes  = []string{"/app/customer", "/topic/customer"}
	counselorPrefixes = []string{"/app/counselor", "/topic/counselor"}
)

// Attributes is read access to a session attribute bag.
type Attributes interface {
	Get(key string) (any, bool)
}

// Resolve derives the acting role for a message. A string role attribute on
// the session wins; otherwise the destination prefix decides. The second
// return is false when neither source yields a role.
func Resolve(attrs Attributes, destination string) (Role, bool) {
	if attrs != nil {
		if value, ok := attrs.Get(AttributeKey); ok {
			if role, ok := value.(string); ok {
				return Role(role), true
			}
		}
	}
	if destination == "" {
		return "", false
	}
	if hasAnyPrefix(destination, customerPrefixes) {
		return Customer, true
	}
	if hasAnyPrefix(destination, counselorPrefixes) {
		return Counselor, true
	}
	return "", false
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
