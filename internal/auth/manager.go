// Package auth はAPIキーによる認証を提供します。キーは
// dfk_<キーID>_<秘密部> という形式のトークンで、秘密部は bcrypt ハッシュ
// としてのみ永続化されます。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/doc-forge/internal/records"
)

const (
	// HeaderAPIKey はAPIキーを渡すリクエストヘッダーです。
	HeaderAPIKey = "X-API-Key"
	// HeaderAdminKey はキー管理エンドポイント用の管理キーヘッダーです。
	HeaderAdminKey = "X-Admin-Key"

	tokenPrefix = "dfk_"
)

var (
	verifyCacheTTL    = 5 * time.Minute
	attemptWindow     = 15 * time.Minute
	lockDuration      = 10 * time.Minute
	maxFailedAttempts = 10
)

// ErrInvalidKey は提示されたAPIキーが受け入れられないことを表します。
// 存在しない・無効化済み・秘密部不一致は呼び出し元から区別できません。
var ErrInvalidKey = errors.New("auth: invalid api key")

// KeyStore は api_keys 行へのアクセスの契約です（*records.KeyRepo が満たします）。
type KeyStore interface {
	Insert(ctx context.Context, k *records.APIKey) error
	Get(ctx context.Context, id string) (*records.APIKey, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*records.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) (bool, error)
}

type cachedKey struct {
	secretSum [sha256.Size]byte
	ownerID   string
	expires   time.Time
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager はAPIキーの発行と検証をまとめた構造体です。bcrypt 照合の結果は
// 短時間キャッシュし、リクエストごとのハッシュ計算を避けます。
type Manager struct {
	keys     KeyStore
	adminKey string
	logger   zerolog.Logger

	lock     sync.Mutex
	verified map[string]*cachedKey
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。adminKey が空の場合、
// キー管理エンドポイントは利用できません。
func NewManager(keys KeyStore, adminKey string, logger zerolog.Logger) *Manager {
	return &Manager{
		keys:     keys,
		adminKey: adminKey,
		logger:   logger.With().Str("component", "auth").Logger(),
		verified: make(map[string]*cachedKey),
		attempts: make(map[string]*attemptState),
	}
}

// IssueKey は新しいAPIキーを発行して永続化します。返されるトークンは
// この一度しか得られません。
func (m *Manager) IssueKey(ctx context.Context, ownerID, name string) (string, *records.APIKey, error) {
	if ownerID == "" {
		return "", nil, errors.New("auth: owner id is required")
	}

	keyID, err := randomHex(6)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomHex(32)
	if err != nil {
		return "", nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash failed: %w", err)
	}

	key := &records.APIKey{
		ID:         keyID,
		OwnerID:    ownerID,
		Name:       name,
		SecretHash: string(hash),
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.keys.Insert(ctx, key); err != nil {
		return "", nil, err
	}

	m.logger.Info().Str("keyId", keyID).Str("owner", ownerID).Msg("api key issued")
	return tokenPrefix + keyID + "_" + secret, key, nil
}

// Verify はトークンを検証し、所有者IDを返します。
func (m *Manager) Verify(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := splitToken(token)
	if !ok {
		return "", ErrInvalidKey
	}
	secretSum := sha256.Sum256([]byte(secret))

	if ownerID, ok := m.cachedOwner(keyID, secretSum); ok {
		return ownerID, nil
	}

	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return "", ErrInvalidKey
		}
		return "", err
	}
	if !key.IsActive {
		return "", ErrInvalidKey
	}
	if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
		return "", ErrInvalidKey
	}

	m.cacheOwner(keyID, secretSum, key.OwnerID)
	if err := m.keys.TouchLastUsed(ctx, keyID); err != nil {
		m.logger.Warn().Err(err).Str("keyId", keyID).Msg("last_used_at update failed")
	}
	return key.OwnerID, nil
}

// RevokeKey はキーを無効化し、検証キャッシュからも落とします。
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (bool, error) {
	ok, err := m.keys.Deactivate(ctx, keyID)
	if err != nil {
		return false, err
	}

	m.lock.Lock()
	delete(m.verified, keyID)
	m.lock.Unlock()

	if ok {
		m.logger.Info().Str("keyId", keyID).Msg("api key revoked")
	}
	return ok, nil
}

// VerifyAdmin は管理キーを定数時間で照合します。
func (m *Manager) VerifyAdmin(presented string) error {
	if m.adminKey == "" {
		return errors.New("auth: admin key is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(m.adminKey), []byte(presented)) != 1 {
		return ErrInvalidKey
	}
	return nil
}

func (m *Manager) cachedOwner(keyID string, secretSum [sha256.Size]byte) (string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	entry, ok := m.verified[keyID]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		delete(m.verified, keyID)
		return "", false
	}
	if subtle.ConstantTimeCompare(entry.secretSum[:], secretSum[:]) != 1 {
		return "", false
	}
	return entry.ownerID, true
}

func (m *Manager) cacheOwner(keyID string, secretSum [sha256.Size]byte, ownerID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.verified[keyID] = &cachedKey{
		secretSum: secretSum,
		ownerID:   ownerID,
		expires:   time.Now().Add(verifyCacheTTL),
	}
}

// checkLock は呼び出し元IPがロック中なら残り時間を返します。
func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

// recordFailure は検証失敗を記録し、閾値を超えたIPを一定時間ロックします。
func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > attemptWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxFailedAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxFailedAttempts
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func splitToken(token string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, tokenPrefix)
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, "_")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
