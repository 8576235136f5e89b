package runtimectl

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeShutdown records EmergencyShutdown calls without ever touching
// os.Exit, so these tests can exercise the verified-signature path
// without terminating the test binary.
type fakeShutdown struct {
	mu      sync.Mutex
	called  bool
	reason  string
	timeout time.Duration
}

func (f *fakeShutdown) EmergencyShutdown(reason string, timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.reason = reason
	f.timeout = timeout
}

func (f *fakeShutdown) wasCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

func signedCommand(t *testing.T, priv ed25519.PrivateKey, waID string, issuedAt time.Time) WASignedCommand {
	t.Helper()
	cmd := WASignedCommand{
		CommandID:   "cmd-1",
		CommandType: ShutdownNowCommandType,
		WAID:        waID,
		IssuedAt:    issuedAt,
		Reason:      "operator requested kill switch",
	}
	sig := ed25519.Sign(priv, []byte(cmd.CanonicalSigningString()))
	cmd.Signature = base64.StdEncoding.EncodeToString(sig)
	return cmd
}

func TestHandleEmergencyShutdown_ValidSignature_TriggersShutdown(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	cmd := signedCommand(t, priv, "wa-1", time.Now())

	sd := &fakeShutdown{}
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, sd, nil)

	status := h.HandleEmergencyShutdown(cmd)
	if !status.Success || !status.ShutdownInitiated {
		t.Fatalf("expected success, got %+v", status)
	}
	if status.VerificationError != "" {
		t.Fatalf("expected no verification error, got %q", status.VerificationError)
	}
	if !sd.wasCalled() {
		t.Fatalf("expected the shutdown trigger to have been invoked")
	}
}

func TestHandleEmergencyShutdown_UnknownWAID_Rejected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-ghost", time.Now())

	h := NewEmergencyHandler(map[string]ed25519.PublicKey{}, &fakeShutdown{}, nil)
	status := h.HandleEmergencyShutdown(cmd)
	if status.Success || status.VerificationError == "" {
		t.Fatalf("expected a verification error, got %+v", status)
	}
}

func TestHandleEmergencyShutdown_TamperedReason_Rejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now())
	cmd.Reason = "not what was signed"

	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)
	status := h.HandleEmergencyShutdown(cmd)
	if status.Success {
		t.Fatalf("expected tampered command to fail verification")
	}
}

func TestHandleEmergencyShutdown_BadBase64Signature_Rejected(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	cmd := WASignedCommand{CommandID: "c", CommandType: ShutdownNowCommandType, WAID: "wa-1", IssuedAt: time.Now(), Signature: "not-base64!!"}

	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)
	status := h.HandleEmergencyShutdown(cmd)
	if status.Success || status.VerificationError == "" {
		t.Fatalf("expected a verification error for malformed signature, got %+v", status)
	}
}

func postEmergency(t *testing.T, h *EmergencyHandler, cmd WASignedCommand) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/emergency/shutdown", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_ValidCommand_Returns200(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now())
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	rec := postEmergency(t, h, cmd)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServeHTTP_WrongCommandType_Returns400(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now())
	cmd.CommandType = "PAUSE"
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	rec := postEmergency(t, h, cmd)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeHTTP_StaleTimestamp_Returns403(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now().Add(-10*time.Minute))
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	rec := postEmergency(t, h, cmd)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stale timestamp, got %d", rec.Code)
	}
}

func TestServeHTTP_TooFarInFuture_Returns403(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now().Add(10*time.Minute))
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	rec := postEmergency(t, h, cmd)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a future timestamp beyond tolerance, got %d", rec.Code)
	}
}

func TestServeHTTP_NoShutdownPathWired_Returns503(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now())
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, nil, nil)

	rec := postEmergency(t, h, cmd)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no shutdown path is wired, got %d", rec.Code)
	}
}

func TestServeTest_ReportsReachabilityAndCryptoAvailability(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/emergency/test", nil)
	rec := httptest.NewRecorder()
	h.ServeTest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Reachable       bool `json:"reachable"`
		CryptoAvailable bool `json:"crypto_available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Reachable || !body.CryptoAvailable {
		t.Fatalf("expected reachable and crypto_available to both be true, got %+v", body)
	}
}

func TestHandleEmergencyShutdown_ReplayedCommandID_Rejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, priv, "wa-1", time.Now())
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	first := h.HandleEmergencyShutdown(cmd)
	if !first.Success {
		t.Fatalf("expected first submission to succeed, got %+v", first)
	}

	second := h.HandleEmergencyShutdown(cmd)
	if second.Success || second.VerificationError == "" {
		t.Fatalf("expected replayed command_id to be rejected, got %+v", second)
	}
}

func TestServeHTTP_BadSignature_Returns403(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, wrongPriv, _ := ed25519.GenerateKey(nil)
	cmd := signedCommand(t, wrongPriv, "wa-1", time.Now())
	h := NewEmergencyHandler(map[string]ed25519.PublicKey{"wa-1": pub}, &fakeShutdown{}, nil)

	rec := postEmergency(t, h, cmd)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a bad signature, got %d", rec.Code)
	}
}
