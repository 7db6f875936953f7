package access

import (
	"fmt"
	"strings"
	"time"

	"bountyescrow/principal"
)

// Capability is a permission a principal may hold.
type Capability string

const (
	Administrator Capability = "administrator"
	Curator       Capability = "curator"
)

// ParseCapability accepts the canonical names case-insensitively.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return c, nil
}

func (c Capability) Valid() bool {
	switch c {
	case Administrator, Curator:
		return true
	default:
		return false
	}
}

// Grant mirrors a row of access_grants.
type Grant struct {
	Principal  principal.Address
	Capability Capability
	GrantedBy  principal.Address
	GrantedAt  time.Time
}
