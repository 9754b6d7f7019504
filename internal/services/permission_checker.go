package services

import (
	"github.com/solvohq/authcore/pkg/metrics"
)

// Capability is a fine-grained permission checked against a principal's roles.
type Capability string

const (
	CapabilityUsersRead    Capability = "users:read"
	CapabilityUsersWrite   Capability = "users:write"
	CapabilityRolesManage  Capability = "roles:manage"
	CapabilitySessionsRead Capability = "sessions:read"
	CapabilitySessionsKill Capability = "sessions:kill"
	CapabilityAuditRead    Capability = "audit:read"
	CapabilityAuditExport  Capability = "audit:export"
	CapabilitySelfManage   Capability = "self:manage"
)

// roleCapabilities maps role codes to the capabilities they grant. Role codes
// are the stable identifiers from the roles table; the admin role holds every
// capability and stays that way as new ones are added.
var roleCapabilities = map[string][]Capability{
	"admin": {
		CapabilityUsersRead,
		CapabilityUsersWrite,
		CapabilityRolesManage,
		CapabilitySessionsRead,
		CapabilitySessionsKill,
		CapabilityAuditRead,
		CapabilityAuditExport,
		CapabilitySelfManage,
	},
	DefaultRoleCode: {
		CapabilitySelfManage,
	},
}

// PermissionChecker resolves whether a set of role codes grants a capability.
// Decisions are pure functions of the inputs, so callers may cache principals
// freely without invalidation concerns.
type PermissionChecker struct {
	grants map[string]map[Capability]struct{}
}

// NewPermissionChecker builds a checker from the built-in role grant table.
func NewPermissionChecker() *PermissionChecker {
	grants := make(map[string]map[Capability]struct{}, len(roleCapabilities))
	for role, caps := range roleCapabilities {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		grants[role] = set
	}
	return &PermissionChecker{grants: grants}
}

// Allowed reports whether any of the role codes grants the capability.
// Unknown role codes grant nothing.
func (p *PermissionChecker) Allowed(roleCodes []string, capability Capability) bool {
	for _, code := range roleCodes {
		if set, ok := p.grants[code]; ok {
			if _, ok := set[capability]; ok {
				metrics.PermissionChecks.WithLabelValues(string(capability), "allow").Inc()
				return true
			}
		}
	}
	metrics.PermissionChecks.WithLabelValues(string(capability), "deny").Inc()
	return false
}

// Capabilities returns the union of capabilities granted by the role codes.
func (p *PermissionChecker) Capabilities(roleCodes []string) []Capability {
	seen := map[Capability]struct{}{}
	var caps []Capability
	for _, code := range roleCodes {
		for c := range p.grants[code] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			caps = append(caps, c)
		}
	}
	return caps
}
