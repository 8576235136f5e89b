// Package wiseauth implements the Wise Authority Subsystem: the
// Authentication Service (WA certificates, gateway secret, token
// mint/verify, task signing) and the Wise Authority Service
// (authorization, deferral, guidance).
package wiseauth

import (
	"time"

	"github.com/ciris-run/agent-runtime/infrastructure/utils"
)

// Role is a WA's position in the trust hierarchy.
type Role string

const (
	RoleRoot      Role = "ROOT"
	RoleAuthority Role = "AUTHORITY"
	RoleObserver  Role = "OBSERVER"
)

// TokenType distinguishes the three token shapes minted by the
// Authentication Service; each carries a different sub_type claim and
// is verified along a different path.
type TokenType string

const (
	TokenTypeChannel   TokenType = "channel"
	TokenTypeGateway   TokenType = "gateway"
	TokenTypeAuthority TokenType = "authority"
)

// Certificate is a WA's stored identity: its public key, role, scope
// grants, and lineage back to a signing parent.
type Certificate struct {
	WAID             string
	Name             string
	Role             Role
	PubKeyB64        string
	PrivKeyEncrypted string
	ParentWAID       string
	ParentSignature  string
	Scopes           []string
	AdapterID        string
	AdapterName      string
	TokenType        TokenType
	Active           bool
	CreatedAt        time.Time
	LastLogin        *time.Time
}

// HasScope reports whether the certificate was granted scope.
func (c Certificate) HasScope(scope string) bool {
	return utils.Contains(c.Scopes, scope)
}

// SystemWAName is the name of the single bootstrapped AUTHORITY-role
// WA that owns task-signing duties until a human operator's WA takes
// over.
const SystemWAName = "CIRIS System Authority"

// SystemWAScopes are granted to the bootstrapped system WA.
var SystemWAScopes = []string{
	"system.task.create",
	"system.task.sign",
	"system.wakeup",
	"system.dream",
	"system.shutdown",
	"memory.read",
	"memory.write",
}

// Claims is the decoded, verified content of a bearer token.
type Claims struct {
	Subject   string
	SubType   TokenType
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt *time.Time
}
