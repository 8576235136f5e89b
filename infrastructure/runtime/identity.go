package runtime

import (
	"os"
	"strings"
	"sync"
)

var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode
// value. Test-only.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on
// identity/security boundaries: only trust identity headers backed by
// verified mTLS, and require HTTPS for outbound calls. Production always
// runs strict; AGENT_RUNTIME_REQUIRE_MTLS=1 forces it on in any
// environment so a mis-set AGENT_RUNTIME_ENV cannot silently weaken the
// trust boundary.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		forced := strings.TrimSpace(os.Getenv("AGENT_RUNTIME_REQUIRE_MTLS"))
		strictIdentityModeValue = Env() == Production || ParseBoolValue(forced)
	})
	return strictIdentityModeValue
}
