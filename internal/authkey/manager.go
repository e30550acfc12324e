// Package authkey issues, verifies, rotates, and revokes the gateway's
// sk-... API keys: constant-time verification, HMAC indexing, AEAD
// at-rest encryption, per-IP failed-attempt tracking, and ACL/rate-limit
// enforcement.
package authkey

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kiroq-gateway/gateway/internal/errors"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	keyPrefix        = "sk-"
	plaintextBodyLen = 48
	plaintextAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	defaultFailedAttemptThreshold = 5
	strictFailedAttemptThreshold  = 3
	blockThreshold                = 20
	failedAttemptWindow           = time.Hour
)

// IssueOptions configures a newly minted key.
type IssueOptions struct {
	ExpiresAt          *time.Time
	MaxUses            int
	AllowedIPs         []string
	AllowedUserAgents  []string
	AllowedAccountIDs  []string
	DefaultAccountID   string
	RateLimitPerMinute int
	Metadata           map[string]any
}

// Manager is the process-wide key issuer/verifier. Reads take the
// shared lock; mutations take it exclusively, and persistence happens
// after the lock is released, matching the gateway's per-process
// key-manager concurrency contract.
type Manager struct {
	store     store.Store
	masterKey []byte
	strict    bool

	mu         sync.RWMutex
	byLookup   map[string]*model.SecureKey
	byKeyID    map[string]*model.SecureKey

	attempts *failedAttemptTracker
}

// NewManager constructs a Manager and warms its in-memory index from
// the store.
func NewManager(ctx context.Context, st store.Store, masterKey []byte, strictMode bool) (*Manager, error) {
	m := &Manager{
		store:     st,
		masterKey: masterKey,
		strict:    strictMode,
		byLookup:  make(map[string]*model.SecureKey),
		byKeyID:   make(map[string]*model.SecureKey),
		attempts:  newFailedAttemptTracker(),
	}

	keys, err := st.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("authkey: load keys: %w", err)
	}
	for _, k := range keys {
		upgraded, changed := m.upgradeIfLegacy(k)
		if changed {
			if err := st.PutKey(ctx, upgraded); err != nil {
				log.WithError(err).WithField("key_id", k.KeyID).Warn("authkey: failed persisting legacy key upgrade")
			} else {
				log.WithField("key_id", k.KeyID).Warn("authkey: upgraded legacy-encrypted key to enc-v1")
			}
			k = upgraded
		}
		m.byLookup[k.LookupHash] = k
		m.byKeyID[k.KeyID] = k
	}
	return m, nil
}

// upgradeIfLegacy decrypts a non-enc-v1 EncryptedKey with the legacy
// XOR scheme and re-encrypts it with AEAD.
func (m *Manager) upgradeIfLegacy(k *model.SecureKey) (*model.SecureKey, bool) {
	if strings.HasPrefix(k.EncryptedKey, aeadVersionPrefix) {
		return k, false
	}
	plaintext, err := DecryptLegacyXOR(m.masterKey, k.EncryptedKey)
	if err != nil {
		log.WithError(err).WithField("key_id", k.KeyID).Warn("authkey: legacy key upgrade failed, leaving as-is")
		return k, false
	}
	encrypted, err := Encrypt(m.masterKey, plaintext)
	if err != nil {
		return k, false
	}
	clone := *k
	clone.EncryptedKey = encrypted
	return &clone, true
}

func randomAlphanumeric(n int) (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(plaintextAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(plaintextAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hmacSHA512Hex(key []byte, msg string) string {
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256Hex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// keyHash computes the double HMAC-SHA512 of (plaintext || salt) under
// the master key.
func (m *Manager) keyHash(plaintext, salt string) string {
	first := hmacSHA512Hex(m.masterKey, plaintext+salt)
	return hmacSHA512Hex(m.masterKey, first)
}

// lookupHash computes the HMAC-SHA256 index value.
func (m *Manager) lookupHash(plaintext string) string {
	return hmacSHA256Hex(m.masterKey, plaintext)
}

// GenerateSecureKey issues a new key, returning its one-time plaintext
// and the persisted record.
func (m *Manager) GenerateSecureKey(ctx context.Context, opts IssueOptions) (string, *model.SecureKey, error) {
	keyID, err := randomHex(16) // 32 hex chars
	if err != nil {
		return "", nil, err
	}
	salt, err := randomHex(32) // 64 hex chars
	if err != nil {
		return "", nil, err
	}
	body, err := randomAlphanumeric(plaintextBodyLen)
	if err != nil {
		return "", nil, err
	}
	plaintext := keyPrefix + body

	encrypted, err := Encrypt(m.masterKey, plaintext)
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	k := &model.SecureKey{
		KeyID:              keyID,
		KeyHash:            m.keyHash(plaintext, salt),
		LookupHash:         m.lookupHash(plaintext),
		EncryptedKey:       encrypted,
		Salt:               salt,
		CreatedAt:          now,
		ExpiresAt:          opts.ExpiresAt,
		MaxUses:            opts.MaxUses,
		AllowedIPs:         opts.AllowedIPs,
		AllowedUserAgents:  opts.AllowedUserAgents,
		AllowedAccountIDs:  opts.AllowedAccountIDs,
		DefaultAccountID:   opts.DefaultAccountID,
		RateLimitPerMinute: opts.RateLimitPerMinute,
		Status:             model.KeyActive,
		Metadata:           opts.Metadata,
	}

	if err := m.store.PutKey(ctx, k); err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.byLookup[k.LookupHash] = k
	m.byKeyID[k.KeyID] = k
	m.mu.Unlock()

	return plaintext, k, nil
}

// VerifyContext carries the request attributes verification needs to
// enforce ACL/rate-limit checks.
type VerifyContext struct {
	ClientIP  string
	UserAgent string
}

// Verify validates plaintext and enforces every invariant in order:
// format, key lookup, constant-time hash compare, status, expiry,
// usage cap, IP/UA allow-lists, and rate limit. On success it
// increments usage count and stamps LastUsed.
func (m *Manager) Verify(ctx context.Context, plaintext string, vc VerifyContext) (*model.SecureKey, error) {
	if !strings.HasPrefix(plaintext, keyPrefix) || len(plaintext) != len(keyPrefix)+plaintextBodyLen {
		m.attempts.recordFailure(vc.ClientIP)
		return nil, apperrors.Unauthorized("invalid API key format", nil)
	}

	if m.attempts.isBlocked(vc.ClientIP) {
		return nil, apperrors.RateLimited("client temporarily blocked for repeated failed attempts", nil)
	}

	lookup := m.lookupHash(plaintext)

	m.mu.RLock()
	k, ok := m.byLookup[lookup]
	m.mu.RUnlock()

	if !ok {
		// Cache miss: fall back to a DB scan. In this schema the lookup
		// hash is indexed so this is effectively the same query.
		stored, err := m.store.GetKeyByLookupHash(ctx, lookup)
		if err != nil {
			return nil, apperrors.InternalServerError("key lookup failed", err)
		}
		if stored == nil {
			m.attempts.recordFailure(vc.ClientIP)
			return nil, apperrors.Unauthorized("invalid API key", nil)
		}
		k = stored
		m.mu.Lock()
		m.byLookup[k.LookupHash] = k
		m.byKeyID[k.KeyID] = k
		m.mu.Unlock()
	}

	expectedHash := m.keyHash(plaintext, k.Salt)
	if subtle.ConstantTimeCompare([]byte(expectedHash), []byte(k.KeyHash)) != 1 {
		m.attempts.recordFailure(vc.ClientIP)
		if m.attempts.failureCount(vc.ClientIP) >= m.compromisedThreshold() {
			_ = m.store.SetKeyStatus(ctx, k.KeyID, model.KeyCompromised)
		}
		return nil, apperrors.Unauthorized("invalid API key", nil)
	}

	if k.Status != model.KeyActive {
		return nil, apperrors.Forbidden("API key is not active", nil)
	}

	now := time.Now().UTC()
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		_ = m.store.SetKeyStatus(ctx, k.KeyID, model.KeyExpired)
		return nil, apperrors.Forbidden("API key has expired", nil)
	}

	if k.MaxUses > 0 && k.UsageCount >= k.MaxUses {
		_ = m.store.SetKeyStatus(ctx, k.KeyID, model.KeyInactive)
		return nil, apperrors.Forbidden("API key has exhausted its allowed uses", nil)
	}

	if len(k.AllowedIPs) > 0 && !containsString(k.AllowedIPs, vc.ClientIP) {
		return nil, apperrors.Forbidden("client IP not permitted for this key", nil)
	}

	if len(k.AllowedUserAgents) > 0 && !containsSubstring(k.AllowedUserAgents, vc.UserAgent) {
		return nil, apperrors.Forbidden("client user agent not permitted for this key", nil)
	}

	if k.RateLimitPerMinute > 0 && !m.attempts.allowRate(k.KeyID, k.RateLimitPerMinute) {
		return nil, apperrors.RateLimited("rate limit exceeded for this key", nil)
	}

	k.UsageCount++
	k.LastUsed = &now
	go func() {
		if err := m.store.IncrementKeyUsage(context.Background(), k.KeyID, now); err != nil {
			log.WithError(err).WithField("key_id", k.KeyID).Warn("authkey: failed to persist key usage")
		}
	}()

	return k, nil
}

func (m *Manager) compromisedThreshold() int {
	if m.strict {
		return strictFailedAttemptThreshold
	}
	return defaultFailedAttemptThreshold
}

// Rotate issues a fresh key copying ACL/metadata from keyID and
// atomically revokes the old one.
func (m *Manager) Rotate(ctx context.Context, keyID string) (string, *model.SecureKey, error) {
	m.mu.RLock()
	old, ok := m.byKeyID[keyID]
	m.mu.RUnlock()
	if !ok {
		return "", nil, apperrors.NotFound("key not found", nil)
	}

	plaintext, fresh, err := m.GenerateSecureKey(ctx, IssueOptions{
		ExpiresAt:          old.ExpiresAt,
		MaxUses:            old.MaxUses,
		AllowedIPs:         old.AllowedIPs,
		AllowedUserAgents:  old.AllowedUserAgents,
		AllowedAccountIDs:  old.AllowedAccountIDs,
		DefaultAccountID:   old.DefaultAccountID,
		RateLimitPerMinute: old.RateLimitPerMinute,
		Metadata:           old.Metadata,
	})
	if err != nil {
		return "", nil, err
	}

	if err := m.store.SetKeyStatus(ctx, keyID, model.KeyInactive); err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	old.Status = model.KeyInactive
	m.mu.Unlock()

	return plaintext, fresh, nil
}

// Revoke marks a key inactive.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	if err := m.store.SetKeyStatus(ctx, keyID, model.KeyInactive); err != nil {
		return err
	}
	m.mu.Lock()
	if k, ok := m.byKeyID[keyID]; ok {
		k.Status = model.KeyInactive
	}
	m.mu.Unlock()
	return nil
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsSubstring(list []string, v string) bool {
	for _, x := range list {
		if strings.Contains(v, x) {
			return true
		}
	}
	return false
}
