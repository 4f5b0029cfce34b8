// Package session tracks issued credentials independently of token expiry,
// so a session can be killed before its token naturally expires.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("session: invalid input")
	ErrNotFound     = errors.New("session: not found")
	ErrConflict     = errors.New("session: already exists")
)

// Session is one row per accepted token. It is mutated only to flip the
// revoked flag; rows past expiry are removed by the sweeper.
type Session struct {
	JTI          string    `json:"jti"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	Roles        []string  `json:"roles,omitempty"`
	IP           string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Revoked      bool      `json:"revoked"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Metadata captures request context recorded at session creation.
type Metadata struct {
	JTI       string
	Roles     []string
	IP        string
	UserAgent string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store persists sessions. IsValid must fail closed: any store error is
// reported as invalid, never as valid.
type Store interface {
	Create(ctx context.Context, userID, tenantID string, meta Metadata) (Session, error)
	Get(ctx context.Context, jti string) (Session, error)
	IsValid(ctx context.Context, jti string) bool
	Revoke(ctx context.Context, jti, reason string) error
	RevokeAllForUser(ctx context.Context, userID, tenantID string) (int64, error)
	RevokeAllForTenant(ctx context.Context, tenantID string) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// NewJTI returns a fresh unguessable session identifier (128-bit random).
func NewJTI() string {
	return uuid.NewString()
}

func validateCreate(userID, tenantID string, meta Metadata) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(tenantID) == "" {
		return errors.New("session: user and tenant are required")
	}
	if meta.ExpiresAt.IsZero() {
		return errors.New("session: expiry is required")
	}
	return nil
}

// MemStore is an in-process Store used in tests and single-node setups.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// WithClock overrides the store's time source (tests only).
func (s *MemStore) WithClock(fn func() time.Time) *MemStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *MemStore) Create(ctx context.Context, userID, tenantID string, meta Metadata) (Session, error) {
	if err := validateCreate(userID, tenantID, meta); err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	sess := Session{
		JTI:       meta.JTI,
		UserID:    userID,
		TenantID:  tenantID,
		Roles:     meta.Roles,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		IssuedAt:  meta.IssuedAt,
		ExpiresAt: meta.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sess.JTI == "" {
		sess.JTI = NewJTI()
	}
	if sess.IssuedAt.IsZero() {
		sess.IssuedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.JTI]; exists {
		return Session{}, ErrConflict
	}
	s.sessions[sess.JTI] = sess
	return sess, nil
}

func (s *MemStore) Get(ctx context.Context, jti string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[jti]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemStore) IsValid(ctx context.Context, jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[jti]
	if !ok {
		return false
	}
	return !sess.Revoked && s.now().Before(sess.ExpiresAt)
}

func (s *MemStore) Revoke(ctx context.Context, jti, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[jti]
	if !ok || sess.Revoked {
		return nil
	}
	sess.Revoked = true
	sess.RevokeReason = reason
	sess.UpdatedAt = s.now().UTC()
	s.sessions[jti] = sess
	return nil
}

// RevokeAllForUser revokes a user's live sessions within one tenant. The
// same subject may hold sessions in several tenants; revocation never
// reaches across the tenant boundary.
func (s *MemStore) RevokeAllForUser(ctx context.Context, userID, tenantID string) (int64, error) {
	return s.revokeWhere(func(sess Session) bool {
		return sess.UserID == userID && sess.TenantID == tenantID
	}, "user_revocation")
}

func (s *MemStore) RevokeAllForTenant(ctx context.Context, tenantID string) (int64, error) {
	return s.revokeWhere(func(sess Session) bool { return sess.TenantID == tenantID }, "tenant_revocation")
}

func (s *MemStore) revokeWhere(match func(Session) bool, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jti, sess := range s.sessions {
		if sess.Revoked || !match(sess) {
			continue
		}
		sess.Revoked = true
		sess.RevokeReason = reason
		sess.UpdatedAt = s.now().UTC()
		s.sessions[jti] = sess
		n++
	}
	return n, nil
}

func (s *MemStore) SweepExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for jti, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, jti)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemStore)(nil)
