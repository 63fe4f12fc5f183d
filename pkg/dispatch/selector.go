package dispatch

import "fmt"

// Selector describes the audience of a group dispatch. Exactly one of GroupCode,
// AdminID or Role-only addressing is used; ExcludeID and IncludeLocation compose
// with any of them.
type Selector struct {
	// GroupCode addresses an explicit circle.
	GroupCode string
	// AdminID derives the circle from the admin's own membership code.
	AdminID string
	// Role narrows a circle to one role. Used alone, it addresses every recipient
	// holding the role.
	Role string
	// StrictRole makes Role a hard audience boundary: recipients outside it are
	// not queried at all instead of being reported as role-mismatch skips.
	StrictRole bool
	// ExcludeID is skipped as the sender.
	ExcludeID string
	// IncludeLocation appends the recipient's last-known position to the body.
	IncludeLocation bool
}

// Mode names the addressing mode, used for logs and metrics.
func (s Selector) Mode() string {
	switch {
	case s.GroupCode != "":
		return "circle"
	case s.AdminID != "":
		return "admin"
	default:
		return "role"
	}
}

// Validate rejects selectors that address nobody or more than one circle.
func (s Selector) Validate() error {
	if s.GroupCode != "" && s.AdminID != "" {
		return fmt.Errorf("%w: circle code and admin id are mutually exclusive", ErrValidation)
	}
	if s.GroupCode == "" && s.AdminID == "" && s.Role == "" {
		return fmt.Errorf("%w: selector needs a circle code, admin id or role", ErrValidation)
	}
	return nil
}
