package wiseauth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
	"github.com/ciris-run/agent-runtime/internal/crypto"
)

// =============================================================================
// Gateway secret: encryption at rest
// =============================================================================

const (
	pbkdf2Iterations = 100_000
	gatewaySaltLen   = 32
	gatewayNonceLen  = 12
	gatewayKeyLen    = 32
	legacySalt       = "ciris-gateway-encryption-salt"
	legacyMaxBytes   = 60
)

func machineIdentity() string {
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}
	host, _ := os.Hostname()
	return host
}

func deriveEncryptionKey(salt []byte) []byte {
	host, _ := os.Hostname()
	material := fmt.Sprintf("%s:%s:gateway-secret-encryption", machineIdentity(), host)
	return pbkdf2.Key([]byte(material), salt, pbkdf2Iterations, gatewayKeyLen, sha256.New)
}

func encryptGatewaySecret(plaintext []byte) ([]byte, error) {
	salt := make([]byte, gatewaySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveEncryptionKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gatewayNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, gatewaySaltLen+gatewayNonceLen+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// decryptGatewaySecret decodes the current salt‖nonce‖ciphertext‖tag
// layout, falling back to the legacy fixed-salt format when the blob
// is too short to contain a salt (pre-salt files written by older
// deployments). migrated reports whether the legacy path was taken, so
// the caller can transparently rewrite the file in the new format.
func decryptGatewaySecret(blob []byte) (plaintext []byte, migrated bool, err error) {
	if len(blob) >= legacyMaxBytes {
		if len(blob) < gatewaySaltLen+gatewayNonceLen {
			return nil, false, fmt.Errorf("gateway secret blob too short")
		}
		salt := blob[:gatewaySaltLen]
		nonce := blob[gatewaySaltLen : gatewaySaltLen+gatewayNonceLen]
		ciphertext := blob[gatewaySaltLen+gatewayNonceLen:]
		key := deriveEncryptionKey(salt)
		pt, err := aesGCMOpen(key, nonce, ciphertext)
		if err != nil {
			return nil, false, err
		}
		return pt, false, nil
	}

	if len(blob) < gatewayNonceLen {
		return nil, false, fmt.Errorf("gateway secret blob too short for legacy format")
	}
	key := deriveEncryptionKey([]byte(legacySalt))
	nonce := blob[:gatewayNonceLen]
	ciphertext := blob[gatewayNonceLen:]
	pt, err := aesGCMOpen(key, nonce, ciphertext)
	if err != nil {
		return nil, false, err
	}
	return pt, true, nil
}

func aesGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// legacyPlaintextGatewaySecretPath returns the sibling "gateway.secret"
// file older deployments wrote in plaintext before this secret was
// ever encrypted at rest, alongside whatever name the current
// encrypted path uses.
func legacyPlaintextGatewaySecretPath(path string) string {
	legacy := filepath.Join(filepath.Dir(path), "gateway.secret")
	if legacy == path {
		legacy += ".legacy"
	}
	return legacy
}

// GetOrCreateGatewaySecret reads the encrypted gateway secret at path,
// minting a fresh random one on first run. A legacy-format file found
// on disk is decrypted, then transparently re-encrypted in the current
// format and rewritten. If no encrypted file exists yet but a wholly
// unencrypted legacy "gateway.secret" sits alongside path, its
// contents are encrypted into path and the plaintext file is removed.
func GetOrCreateGatewaySecret(path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		legacyPath := legacyPlaintextGatewaySecretPath(path)
		if plaintext, legacyErr := os.ReadFile(legacyPath); legacyErr == nil {
			enc, err := encryptGatewaySecret(plaintext)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, enc, 0o600); err != nil {
				return nil, fmt.Errorf("write gateway secret: %w", err)
			}
			_ = os.Remove(legacyPath)
			return plaintext, nil
		}

		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate gateway secret: %w", err)
		}
		enc, err := encryptGatewaySecret(secret)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, enc, 0o600); err != nil {
			return nil, fmt.Errorf("write gateway secret: %w", err)
		}
		return secret, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read gateway secret: %w", err)
	}

	secret, migrated, err := decryptGatewaySecret(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt gateway secret: %w", err)
	}
	if migrated {
		enc, err := encryptGatewaySecret(secret)
		if err == nil {
			_ = os.WriteFile(path, enc, 0o600)
		}
	}
	return secret, nil
}

// =============================================================================
// WA identity
// =============================================================================

// GenerateWAID mints a wa-YYYY-MM-DD-XXXXXX identifier, XXXXXX being 6
// uppercase hex characters from 3 random bytes.
func GenerateWAID(now time.Time) (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate wa id suffix: %w", err)
	}
	return fmt.Sprintf("wa-%s-%s", now.UTC().Format("2006-01-02"), strings.ToUpper(hex.EncodeToString(b))), nil
}

// GenerateKeypair mints a fresh Ed25519 identity keypair for a new WA.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func encodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// =============================================================================
// Authentication service
// =============================================================================

// Authentication owns the WA certificate table, the gateway secret,
// and token mint/verify for the three token shapes the runtime issues.
type Authentication struct {
	store         *Store
	gatewaySecret []byte
	systemWAID    string
	systemPriv    ed25519.PrivateKey
}

// NewAuthentication wires a Store to an already-resolved gateway
// secret (see GetOrCreateGatewaySecret).
func NewAuthentication(store *Store, gatewaySecret []byte) *Authentication {
	return &Authentication{store: store, gatewaySecret: gatewaySecret}
}

// registeredClaims carries the runtime's custom payload inside a
// golang-jwt token.
type registeredClaims struct {
	jwt.RegisteredClaims
	SubType string   `json:"sub_type"`
	Scopes  []string `json:"scope,omitempty"`
}

func (a *Authentication) mint(sub string, subType TokenType, scopes []string, ttl time.Duration, method jwt.SigningMethod, key interface{}) (string, error) {
	now := time.Now().UTC()
	claims := registeredClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sub,
			IssuedAt: jwt.NewNumericDate(now),
		},
		SubType: string(subType),
		Scopes:  scopes,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(method, claims)
	return token.SignedString(key)
}

// CreateChannelToken mints a short-lived HS256 token for an adapter
// observer channel, scoped to read/send on that channel.
func (a *Authentication) CreateChannelToken(channelID string, ttl time.Duration) (string, error) {
	return a.mint(channelID, TokenTypeChannel, []string{"channel.read", "channel.send"}, ttl, jwt.SigningMethodHS256, a.gatewaySecret)
}

// CreateGatewayToken mints an HS256 token signed with the gateway
// secret, used for service-to-service calls that don't need a WA
// identity.
func (a *Authentication) CreateGatewayToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	return a.mint(subject, TokenTypeGateway, scopes, ttl, jwt.SigningMethodHS256, a.gatewaySecret)
}

// CreateAuthorityToken mints an EdDSA token signed by a WA's own
// private key, asserting its identity and granted scopes.
func (a *Authentication) CreateAuthorityToken(waID string, priv ed25519.PrivateKey, scopes []string, ttl time.Duration) (string, error) {
	return a.mint(waID, TokenTypeAuthority, scopes, ttl, jwt.SigningMethodEdDSA, priv)
}

// VerifyToken reads the claimed sub_type from the unverified token and
// verifies the signature along that one path only — EdDSA against the
// issuing WA's stored public key for authority tokens, HS256 against
// the gateway secret for channel and gateway tokens; the other path is
// not tried. It rejects the token if its signing method does not belong
// to that path or if the algorithm that verified it disagrees with the
// claimed sub_type. This cross-check is what prevents an
// attacker from re-signing a gateway-scoped payload with a WA's public
// key accepted under the wrong algorithm, or vice versa.
func (a *Authentication) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	var unverified registeredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &unverified); err != nil {
		return nil, apierrors.SecurityViolation("malformed token")
	}

	var parsed *jwt.Token
	var err error

	switch TokenType(unverified.SubType) {
	case TokenTypeAuthority:
		cert, getErr := a.store.GetWA(ctx, unverified.Subject)
		if getErr != nil {
			return nil, apierrors.SecurityViolation("unknown authority subject")
		}
		if !cert.Active {
			return nil, apierrors.SecurityViolation("authority wa is inactive")
		}
		pub, decodeErr := decodePublicKey(cert.PubKeyB64)
		if decodeErr != nil {
			return nil, apierrors.SecurityViolation("stored public key is invalid")
		}
		parsed, err = jwt.ParseWithClaims(tokenString, &registeredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return pub, nil
		})
	case TokenTypeChannel, TokenTypeGateway:
		parsed, err = jwt.ParseWithClaims(tokenString, &registeredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.gatewaySecret, nil
		})
	default:
		return nil, apierrors.SecurityViolation("unknown sub_type")
	}

	if err != nil || parsed == nil || !parsed.Valid {
		return nil, apierrors.SecurityViolation("token signature verification failed")
	}

	claims, ok := parsed.Claims.(*registeredClaims)
	if !ok {
		return nil, apierrors.SecurityViolation("unexpected claims shape")
	}

	// The algorithm that actually verified the token must agree with
	// the subject's own claimed type; this is the anti-confusion check.
	verifiedAlg := parsed.Method.Alg()
	wantsEdDSA := TokenType(claims.SubType) == TokenTypeAuthority
	if wantsEdDSA != (verifiedAlg == "EdDSA") {
		return nil, apierrors.SecurityViolation("sub_type does not match verifying algorithm")
	}

	out := &Claims{
		Subject: claims.Subject,
		SubType: TokenType(claims.SubType),
		Scopes:  claims.Scopes,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t := claims.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

// =============================================================================
// Task signing
// =============================================================================

// canonicalJSON re-marshals data with sorted keys and no extra
// whitespace, matching Python's json.dumps(data, sort_keys=True,
// separators=(',', ':')). encoding/json already serializes map keys in
// sorted order and omits whitespace by default, so this is a direct
// equivalent rather than a reimplementation.
func canonicalJSON(data map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(data))
	for _, k := range keys {
		ordered[k] = data[k]
	}
	return json.Marshal(ordered)
}

// SignTask produces an Ed25519 signature over taskData's canonical
// JSON using the system WA's private key. Only the bootstrapped system
// WA can sign tasks today; other WAs have no stored private key to
// sign with.
func (a *Authentication) SignTask(taskData map[string]interface{}) (string, error) {
	if a.systemPriv == nil {
		return "", fmt.Errorf("no system wa private key loaded; call BootstrapIfNeeded first")
	}
	payload, err := canonicalJSON(taskData)
	if err != nil {
		return "", fmt.Errorf("canonicalize task data: %w", err)
	}
	sig := ed25519.Sign(a.systemPriv, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyTaskSignature checks a base64 Ed25519 signature over
// taskData's canonical JSON against the system WA's public key.
func (a *Authentication) VerifyTaskSignature(ctx context.Context, taskData map[string]interface{}, signatureB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, nil
	}
	cert, err := a.store.GetWA(ctx, a.systemWAID)
	if err != nil {
		return false, err
	}
	pub, err := decodePublicKey(cert.PubKeyB64)
	if err != nil {
		return false, err
	}
	payload, err := canonicalJSON(taskData)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// =============================================================================
// Bootstrap
// =============================================================================

// RootSeed is the pre-provisioned root certificate loaded from
// seed/root_pub.json on first boot.
type RootSeed struct {
	WAID   string `json:"wa_id"`
	PubKey string `json:"pubkey"`
}

// BootstrapIfNeeded loads the seeded root certificate (if no root
// exists yet) and mints the system WA (if no AUTHORITY-role WA named
// SystemWAName exists yet), persisting the minted private key, sealed
// under a host- and WA-derived key (see sealSystemPrivateKey), at
// <keyDir>/system_wa.key with mode 0600.
func (a *Authentication) BootstrapIfNeeded(ctx context.Context, seedPath, keyDir string) error {
	roots, err := a.store.ListWAs(ctx, WAFilter{Role: RoleRoot})
	if err != nil {
		return fmt.Errorf("list root was: %w", err)
	}
	if len(roots) == 0 {
		if err := a.loadRootSeed(ctx, seedPath); err != nil {
			return err
		}
	}

	existing, found, err := a.store.GetWAByName(ctx, SystemWAName)
	if err != nil {
		return fmt.Errorf("look up system wa: %w", err)
	}
	if found {
		a.systemWAID = existing.WAID
		return a.loadSystemPrivateKey(keyDir)
	}

	return a.createSystemWA(ctx, keyDir)
}

func (a *Authentication) loadRootSeed(ctx context.Context, seedPath string) error {
	raw, err := os.ReadFile(seedPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read root seed: %w", err)
	}
	var seed RootSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse root seed: %w", err)
	}
	root := Certificate{
		WAID:      seed.WAID,
		Name:      "root",
		Role:      RoleRoot,
		PubKeyB64: seed.PubKey,
		Scopes:    []string{"*"},
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	return a.store.CreateWA(ctx, root)
}

func (a *Authentication) createSystemWA(ctx context.Context, keyDir string) error {
	waID, err := GenerateWAID(time.Now())
	if err != nil {
		return err
	}
	pub, priv, err := GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate system wa keypair: %w", err)
	}

	roots, err := a.store.ListWAs(ctx, WAFilter{Role: RoleRoot})
	if err != nil {
		return fmt.Errorf("list root was: %w", err)
	}
	var parentWAID string
	if len(roots) > 0 {
		parentWAID = roots[0].WAID
	}

	certData := map[string]interface{}{
		"wa_id":  waID,
		"name":   SystemWAName,
		"role":   string(RoleAuthority),
		"pubkey": encodePublicKey(pub),
		"scopes": SystemWAScopes,
	}
	payload, err := canonicalJSON(certData)
	if err != nil {
		return err
	}
	parentSig := ed25519.Sign(priv, payload) // self-signed: root has no stored private key

	cert := Certificate{
		WAID:            waID,
		Name:            SystemWAName,
		Role:            RoleAuthority,
		PubKeyB64:       encodePublicKey(pub),
		ParentWAID:      parentWAID,
		ParentSignature: base64.StdEncoding.EncodeToString(parentSig),
		Scopes:          SystemWAScopes,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := a.store.CreateWA(ctx, cert); err != nil {
		return err
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	keyPath := systemKeyPath(keyDir)
	sealed, err := sealSystemPrivateKey(waID, priv)
	if err != nil {
		return fmt.Errorf("seal system wa key: %w", err)
	}
	if err := os.WriteFile(keyPath, sealed, 0o600); err != nil {
		return fmt.Errorf("write system wa key: %w", err)
	}

	a.systemWAID = waID
	a.systemPriv = priv
	return nil
}

func (a *Authentication) loadSystemPrivateKey(keyDir string) error {
	blob, err := os.ReadFile(systemKeyPath(keyDir))
	if err != nil {
		return fmt.Errorf("load system wa key: %w", err)
	}
	raw, waID, err := openSystemPrivateKey(blob)
	if err != nil {
		return fmt.Errorf("unseal system wa key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return fmt.Errorf("system wa key has wrong length %d", len(raw))
	}
	a.systemWAID = waID
	a.systemPriv = ed25519.PrivateKey(raw)
	return nil
}

// systemKeySalt ties the at-rest encryption key to both the host and the
// WA identity it protects, so a key file copied onto another machine or
// swapped between WAs fails to decrypt rather than silently succeeding.
func systemKeySalt(waID string) []byte {
	return []byte(machineIdentity() + ":" + waID)
}

// sealSystemPrivateKey encrypts priv with a key derived from the host
// identity and waID, then prefixes the ciphertext with the plaintext
// waID (length-prefixed) so loadSystemPrivateKey can re-derive the same
// key without a side channel.
func sealSystemPrivateKey(waID string, priv ed25519.PrivateKey) ([]byte, error) {
	key, err := crypto.DeriveKey([]byte(machineIdentity()), systemKeySalt(waID), "system-wa-key-encryption", gatewayKeyLen)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(key, priv)
	if err != nil {
		return nil, err
	}

	idBytes := []byte(waID)
	out := make([]byte, 0, 2+len(idBytes)+len(ciphertext))
	out = append(out, byte(len(idBytes)>>8), byte(len(idBytes)))
	out = append(out, idBytes...)
	out = append(out, ciphertext...)
	return out, nil
}

// openSystemPrivateKey reverses sealSystemPrivateKey.
func openSystemPrivateKey(blob []byte) (priv []byte, waID string, err error) {
	if len(blob) < 2 {
		return nil, "", fmt.Errorf("system wa key file truncated")
	}
	idLen := int(blob[0])<<8 | int(blob[1])
	if len(blob) < 2+idLen {
		return nil, "", fmt.Errorf("system wa key file truncated")
	}
	waID = string(blob[2 : 2+idLen])
	ciphertext := blob[2+idLen:]

	key, err := crypto.DeriveKey([]byte(machineIdentity()), systemKeySalt(waID), "system-wa-key-encryption", gatewayKeyLen)
	if err != nil {
		return nil, "", err
	}
	plaintext, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		return nil, "", err
	}
	return plaintext, waID, nil
}

func systemKeyPath(keyDir string) string {
	return keyDir + "/system_wa.key"
}

// SystemWAID returns the bootstrapped system WA's identifier, or ""
// before BootstrapIfNeeded has run.
func (a *Authentication) SystemWAID() string {
	return a.systemWAID
}

// =============================================================================
// OAuth-observer and adapter bootstrap
// =============================================================================

// GetOrCreateOAuthWA returns the OBSERVER-role WA bootstrapped for an
// OAuth identity, minting one on first sight.
func (a *Authentication) GetOrCreateOAuthWA(ctx context.Context, provider, externalID, adapterID string) (Certificate, error) {
	if existing, found, err := a.store.GetOAuthWA(ctx, provider, externalID); err != nil {
		return Certificate{}, err
	} else if found {
		return existing, nil
	}

	waID, err := GenerateWAID(time.Now())
	if err != nil {
		return Certificate{}, err
	}
	pub, _, err := GenerateKeypair()
	if err != nil {
		return Certificate{}, fmt.Errorf("generate oauth wa keypair: %w", err)
	}
	cert := Certificate{
		WAID:      waID,
		Name:      oauthWAName(provider, externalID),
		Role:      RoleObserver,
		PubKeyB64: encodePublicKey(pub),
		Scopes:    []string{"read", "send_message", "observe", "get_status"},
		AdapterID: adapterID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateWA(ctx, cert); err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

// BootstrapObserverToken mints a non-expiring (ttl=0) channel token for
// an adapter's own observer channel, mirroring the original's
// adapter-bootstrap path that lets a freshly-started adapter talk to
// the runtime before any user has authenticated on it.
func (a *Authentication) BootstrapObserverToken(adapterID, channelID string) (string, error) {
	return a.mint(channelID, TokenTypeChannel, []string{"channel.read", "channel.send"}, 0, jwt.SigningMethodHS256, a.gatewaySecret)
}
