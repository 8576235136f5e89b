package runtimectl

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ciris-run/agent-runtime/infrastructure/redaction"
	"github.com/ciris-run/agent-runtime/infrastructure/security"
)

// ShutdownTrigger is the slice of lifecycle.Shutdown's surface the
// emergency path needs. Accepting the interface rather than the
// concrete type lets tests exercise signature verification without
// triggering a real process-terminating emergency shutdown.
type ShutdownTrigger interface {
	EmergencyShutdown(reason string, timeout time.Duration)
}

// ShutdownNowCommandType is the only command_type the HTTP emergency
// endpoint accepts.
const ShutdownNowCommandType = "SHUTDOWN_NOW"

const (
	timestampWindow = 5 * time.Minute
	futureTolerance = 1 * time.Minute
)

// WASignedCommand is a WA-authorised kill-switch command: an Ed25519
// signature over its own canonical pipe-delimited form.
type WASignedCommand struct {
	CommandID     string    `json:"command_id"`
	CommandType   string    `json:"command_type"`
	WAID          string    `json:"wa_id"`
	IssuedAt      time.Time `json:"issued_at"`
	Reason        string    `json:"reason"`
	TargetAgentID string    `json:"target_agent_id,omitempty"`
	Signature     string    `json:"signature"`
}

// EmergencyShutdownStatus is HandleEmergencyShutdown's always-populated
// result; it never returns a Go error, matching spec's "never raise".
type EmergencyShutdownStatus struct {
	Success            bool
	ShutdownInitiated  bool
	VerificationError  string
	ServiceUnavailable bool
}

// CanonicalSigningString rebuilds the exact pipe-delimited form the
// command's signature was computed over: command_id, command_type,
// wa_id, issued_at (ISO-8601), reason, in that fixed order, with
// target_agent_id appended only when present. Both the internal
// HandleEmergencyShutdown path and the HTTP handler use this one form.
func (c WASignedCommand) CanonicalSigningString() string {
	s := fmt.Sprintf("command_id:%s|command_type:%s|wa_id:%s|issued_at:%s|reason:%s",
		c.CommandID, c.CommandType, c.WAID, c.IssuedAt.UTC().Format(time.RFC3339), c.Reason)
	if c.TargetAgentID != "" {
		s += "|target_agent_id:" + c.TargetAgentID
	}
	return s
}

// EmergencyHandler owns the kill-switch public key map and the
// Shutdown Service it triggers on a verified command.
type EmergencyHandler struct {
	killSwitchKeys map[string]ed25519.PublicKey
	shutdown       ShutdownTrigger
	service        *Service // fallback path when shutdown is nil
	log            *logrus.Entry
	replay         *security.ReplayProtection
}

// NewEmergencyHandler wires the kill-switch key map to the preferred
// Shutdown Service and a fallback Service for direct shutdown_runtime.
// command_id replay protection shares the same window as the timestamp
// check, so a verified command can't be re-submitted until both expire.
func NewEmergencyHandler(killSwitchKeys map[string]ed25519.PublicKey, shutdown ShutdownTrigger, service *Service) *EmergencyHandler {
	return &EmergencyHandler{
		killSwitchKeys: killSwitchKeys,
		shutdown:       shutdown,
		service:        service,
		log:            logrus.WithField("component", "emergency_shutdown"),
		replay:         security.NewReplayProtection(timestampWindow, nil),
	}
}

// HandleEmergencyShutdown verifies cmd's Ed25519 signature against the
// public key registered for cmd.WAID, then triggers termination
// through the Shutdown Service if wired, else falls back to the
// Runtime Control Service's ShutdownRuntime. Every failure populates
// VerificationError and returns rather than raising.
func (h *EmergencyHandler) HandleEmergencyShutdown(cmd WASignedCommand) EmergencyShutdownStatus {
	pub, ok := h.killSwitchKeys[cmd.WAID]
	if !ok {
		return EmergencyShutdownStatus{VerificationError: fmt.Sprintf("no kill-switch key registered for wa_id %s", cmd.WAID)}
	}

	sig, err := base64.StdEncoding.DecodeString(cmd.Signature)
	if err != nil {
		return EmergencyShutdownStatus{VerificationError: "signature is not valid base64"}
	}

	canonical := cmd.CanonicalSigningString()
	if !ed25519.Verify(pub, []byte(canonical), sig) {
		return EmergencyShutdownStatus{VerificationError: "signature verification failed"}
	}

	if !h.replay.ValidateAndMark(cmd.CommandID) {
		return EmergencyShutdownStatus{VerificationError: "command_id already used"}
	}

	h.log.WithField("wa_id", cmd.WAID).WithField("command_id", cmd.CommandID).
		WithField("reason", redaction.RedactAll(cmd.Reason)).
		Error("verified emergency shutdown command")

	if h.shutdown != nil {
		h.shutdown.EmergencyShutdown(cmd.Reason, 5*time.Second)
		return EmergencyShutdownStatus{Success: true, ShutdownInitiated: true}
	}
	if h.service != nil {
		if _, err := h.service.ShutdownRuntime(context.Background(), cmd.Reason); err != nil {
			return EmergencyShutdownStatus{VerificationError: err.Error()}
		}
		return EmergencyShutdownStatus{Success: true, ShutdownInitiated: true}
	}
	return EmergencyShutdownStatus{VerificationError: "no shutdown path wired", ServiceUnavailable: true}
}

// ServeHTTP handles POST /emergency/shutdown: decodes the signed
// command, enforces the 5-minute timestamp window (±1 minute future
// tolerance) and the SHUTDOWN_NOW command type, then delegates to
// HandleEmergencyShutdown. 400 is reserved for a malformed body or the
// wrong command_type; the timestamp window and any verification
// failure (bad key, bad signature, replay) return 403; an absent
// shutdown path returns 503. A wired-but-failing shutdown path
// populates verification_error and so also returns 403.
func (h *EmergencyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cmd WASignedCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if cmd.CommandType != ShutdownNowCommandType {
		http.Error(w, "command_type must be SHUTDOWN_NOW", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	age := now.Sub(cmd.IssuedAt)
	if age > timestampWindow || age < -futureTolerance {
		http.Error(w, "command timestamp outside the accepted window", http.StatusForbidden)
		return
	}

	status := h.HandleEmergencyShutdown(cmd)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case status.ServiceUnavailable:
		w.WriteHeader(http.StatusServiceUnavailable)
	case status.VerificationError != "":
		w.WriteHeader(http.StatusForbidden)
	default:
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// ServeTest handles GET /emergency/test: it reports that the handler
// is reachable and whether Ed25519 signing primitives are available
// in this process, without verifying any command.
func (h *EmergencyHandler) ServeTest(w http.ResponseWriter, r *http.Request) {
	_, cryptoErr := ed25519.GenerateKey(nil)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Reachable       bool `json:"reachable"`
		CryptoAvailable bool `json:"crypto_available"`
	}{
		Reachable:       true,
		CryptoAvailable: cryptoErr == nil,
	})
}
