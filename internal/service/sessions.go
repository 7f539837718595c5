package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/report-keeper/internal/crypto"
	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/limiter"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/notify"
	"github.com/and161185/report-keeper/internal/repository"
)

// Messages returned with AuthOutcome.
const (
	MsgCodeSent      = "We sent you a verification code on your email address"
	MsgReinitialised = "Your previous session has been reinitialised. Please grant us the new verification code we sent you"
	MsgAuthenticated = "Successfully Authenticated"
)

// DefaultCodeTTL is how long a verification code stays valid.
const DefaultCodeTTL = 10 * time.Minute

// Principal is an authorized caller: the user and their approved session.
type Principal struct {
	User    *model.User
	Session *model.Session
}

// IsAdmin reports whether the caller carries the administrator role.
func (p *Principal) IsAdmin() bool { return p != nil && p.User.IsAdmin() }

// SessionManager drives login, code verification, logout and api-key authorization.
type SessionManager interface {
	// Login starts a pending session and dispatches a verification code.
	Login(ctx context.Context, creds model.Credentials) (model.AuthOutcome, error)
	// Verify approves the pending session bound to apiKey when code matches.
	Verify(ctx context.Context, apiKey, code string) (model.AuthOutcome, error)
	// Logout removes the session and rotates the owner's api key.
	Logout(ctx context.Context, apiKey string) (*model.Session, error)
	// Authorize resolves an approved session for apiKey.
	Authorize(ctx context.Context, apiKey string) (*Principal, error)
	// AuthorizeAdmin is Authorize restricted to administrators.
	AuthorizeAdmin(ctx context.Context, apiKey string) (*Principal, error)
}

type SessionManagerImpl struct {
	identity IdentityService
	sessions repository.SessionRepository
	notifier notify.Notifier
	lim      limiter.Limiter
	codeTTL  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

var _ SessionManager = (*SessionManagerImpl)(nil)

// NewSessionManager constructs SessionManager. A non-positive codeTTL selects DefaultCodeTTL.
func NewSessionManager(identity IdentityService, sessions repository.SessionRepository, notifier notify.Notifier, lim limiter.Limiter, codeTTL time.Duration, log *zap.Logger) *SessionManagerImpl {
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	return &SessionManagerImpl{
		identity: identity,
		sessions: sessions,
		notifier: notifier,
		lim:      lim,
		codeTTL:  codeTTL,
		log:      log,
		now:      time.Now,
	}
}

// Login resolves the user by the selected field and opens a pending session.
// An approved session for the same account is logged out first and a fresh cycle is started.
func (m *SessionManagerImpl) Login(ctx context.Context, creds model.Credentials) (model.AuthOutcome, error) {
	return m.login(ctx, creds, true)
}

func (m *SessionManagerImpl) login(ctx context.Context, creds model.Credentials, resolveCollision bool) (model.AuthOutcome, error) {
	creds.Value = strings.TrimSpace(creds.Value)
	if !creds.LoginParam.Valid() || creds.Value == "" {
		return model.AuthOutcome{}, fmt.Errorf("credentials: %w", errs.ErrInvalidInput)
	}
	ipHash := limiter.HashIP(RemoteIPFromCtx(ctx))
	subject := "login:" + string(creds.LoginParam) + ":" + creds.Value

	allowed, _, err := m.lim.Allow(ctx, subject, ipHash)
	if err != nil {
		return model.AuthOutcome{}, err
	}
	if !allowed {
		return model.AuthOutcome{}, errs.ErrRateLimited
	}

	u, err := m.identity.FindByLoginField(ctx, creds.LoginParam, creds.Value)
	if errors.Is(err, errs.ErrNotFound) {
		if blocked, _, ferr := m.lim.Failure(ctx, subject, ipHash); ferr == nil && blocked {
			return model.AuthOutcome{}, errs.ErrRateLimited
		}
		return model.AuthOutcome{}, errs.ErrUnauthenticated
	}
	if err != nil {
		return model.AuthOutcome{}, err
	}
	_ = m.lim.Success(ctx, subject, ipHash)
	return m.openSession(ctx, u, creds, resolveCollision)
}

// openSession stores a pending session for u under its current api key and sends the code.
// creds are kept on the session for a later re-initialisation and must resolve to u.
func (m *SessionManagerImpl) openSession(ctx context.Context, u *model.User, creds model.Credentials, resolveCollision bool) (model.AuthOutcome, error) {
	code, err := pkgcrypto.RandomDigits(pkgcrypto.CodeDigits)
	if err != nil {
		return model.AuthOutcome{}, err
	}
	salt, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return model.AuthOutcome{}, err
	}
	now := m.now().UTC()
	pending := &model.Session{
		Credentials:   creds,
		UserID:        u.ID,
		CodeHash:      pkgcrypto.HashCode([]byte(code), salt),
		CodeSalt:      salt,
		CodeExpiresAt: now.Add(m.codeTTL),
		APIKey:        u.APIKey,
	}

	var collision *model.Session
	err = m.sessions.Update(ctx, func(sessions map[string]*model.Session) error {
		if cur, ok := sessions[u.APIKey]; ok && cur.Approved {
			c := *cur
			collision = &c
			return repository.ErrSkipWrite
		}
		sessions[u.APIKey] = pending
		return nil
	})
	if err != nil {
		return model.AuthOutcome{}, err
	}
	if collision != nil {
		if !resolveCollision {
			return model.AuthOutcome{}, fmt.Errorf("session for user %d re-approved during login: %w", u.ID, errs.ErrConflict)
		}
		return m.reinitialise(ctx, collision, &creds)
	}
	cur, err := m.identity.GetByID(ctx, u.ID)
	if err == nil && cur.APIKey != u.APIKey {
		// a concurrent logout rotated the key while the session was stored
		m.dropPending(ctx, u.APIKey, pending.CodeHash)
		if !resolveCollision {
			return model.AuthOutcome{}, fmt.Errorf("api key of user %d rotated during login: %w", u.ID, errs.ErrConflict)
		}
		return m.openSession(ctx, cur, creds, false)
	}

	m.log.Info("login code issued", zap.Int64("user_id", u.ID), zap.String("login_param", string(creds.LoginParam)))
	m.sendCode(ctx, u, code)
	return model.AuthOutcome{APIKey: u.APIKey, Email: u.Email, Message: MsgCodeSent}, nil
}

// reinitialise logs out an approved session and opens a fresh one for old.UserID.
// It resolves at most one collision per call.
func (m *SessionManagerImpl) reinitialise(ctx context.Context, old *model.Session, fallback *model.Credentials) (model.AuthOutcome, error) {
	if _, err := m.Logout(ctx, old.APIKey); err != nil &&
		!errors.Is(err, errs.ErrInvalidAPIKey) && !errors.Is(err, errs.ErrUnauthenticated) {
		return model.AuthOutcome{}, err
	}
	u, err := m.identity.GetByID(ctx, old.UserID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.AuthOutcome{}, errs.ErrUnauthenticated
	}
	if err != nil {
		return model.AuthOutcome{}, err
	}
	creds := m.credentialsFor(ctx, u, &old.Credentials, fallback)
	m.log.Info("approved session reinitialised", zap.Int64("user_id", old.UserID))
	out, err := m.openSession(ctx, u, creds, false)
	if err != nil {
		return model.AuthOutcome{}, err
	}
	out.Message = MsgReinitialised
	out.Reinitialised = true
	return out, nil
}

// credentialsFor returns the first candidate that currently resolves to u, or u's username.
func (m *SessionManagerImpl) credentialsFor(ctx context.Context, u *model.User, candidates ...*model.Credentials) model.Credentials {
	for _, c := range candidates {
		if c == nil || !c.LoginParam.Valid() || strings.TrimSpace(c.Value) == "" {
			continue
		}
		if found, err := m.identity.FindByLoginField(ctx, c.LoginParam, c.Value); err == nil && found.ID == u.ID {
			return *c
		}
	}
	return model.Credentials{LoginParam: model.LoginByUsername, Value: u.Username}
}

func (m *SessionManagerImpl) dropPending(ctx context.Context, apiKey string, codeHash []byte) {
	err := m.sessions.Update(ctx, func(sessions map[string]*model.Session) error {
		cur, ok := sessions[apiKey]
		if !ok || cur.Approved || string(cur.CodeHash) != string(codeHash) {
			return repository.ErrSkipWrite
		}
		delete(sessions, apiKey)
		return nil
	})
	if err != nil {
		m.log.Warn("stale pending session not removed", zap.Error(err))
	}
}

func (m *SessionManagerImpl) sendCode(ctx context.Context, u *model.User, code string) {
	if u.Email == "" {
		m.log.Warn("user has no email, verification code not sent", zap.Int64("user_id", u.ID))
		return
	}
	if err := m.notifier.SendVerificationCode(ctx, u.Email, code); err != nil {
		m.log.Warn("verification code not delivered", zap.Int64("user_id", u.ID), zap.Error(err))
	}
}

// Verify checks code against the pending session bound to apiKey.
func (m *SessionManagerImpl) Verify(ctx context.Context, apiKey, code string) (model.AuthOutcome, error) {
	u, err := m.identity.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, errs.ErrNotFound) {
		return model.AuthOutcome{}, errs.ErrInvalidAPIKey
	}
	if err != nil {
		return model.AuthOutcome{}, err
	}
	sess, err := m.sessions.Get(ctx, apiKey)
	if errors.Is(err, errs.ErrNotFound) {
		return model.AuthOutcome{}, errs.ErrUnauthenticated
	}
	if err != nil {
		return model.AuthOutcome{}, err
	}
	if sess.Approved {
		return m.reinitialise(ctx, sess, nil)
	}

	ipHash := limiter.HashIP(RemoteIPFromCtx(ctx))
	subject := "verify:" + strconv.FormatInt(u.ID, 10)
	allowed, _, err := m.lim.Allow(ctx, subject, ipHash)
	if err != nil {
		return model.AuthOutcome{}, err
	}
	if !allowed {
		return model.AuthOutcome{}, errs.ErrRateLimited
	}

	if !sess.HasCode() || !m.now().Before(sess.CodeExpiresAt) {
		return model.AuthOutcome{}, errs.ErrCodeExpired
	}
	// hashing is slow; it runs before the sessions lock is taken
	if !pkgcrypto.VerifyCode([]byte(strings.TrimSpace(code)), sess.CodeSalt, sess.CodeHash) {
		if blocked, _, ferr := m.lim.Failure(ctx, subject, ipHash); ferr == nil && blocked {
			return model.AuthOutcome{}, errs.ErrRateLimited
		}
		return model.AuthOutcome{}, errs.ErrInvalidCode
	}

	err = m.sessions.Update(ctx, func(sessions map[string]*model.Session) error {
		cur, ok := sessions[apiKey]
		if !ok {
			return errs.ErrUnauthenticated
		}
		if cur.Approved {
			return repository.ErrSkipWrite
		}
		if string(cur.CodeHash) != string(sess.CodeHash) {
			// a newer login replaced the code meanwhile
			return errs.ErrCodeExpired
		}
		cur.Approved = true
		cur.StartTime = m.now().UTC()
		cur.CodeHash, cur.CodeSalt, cur.CodeExpiresAt = nil, nil, time.Time{}
		return nil
	})
	if err != nil {
		return model.AuthOutcome{}, err
	}
	_ = m.lim.Success(ctx, subject, ipHash)
	m.log.Info("session approved", zap.Int64("user_id", u.ID))
	return model.AuthOutcome{APIKey: apiKey, Email: u.Email, Message: MsgAuthenticated, Approved: true}, nil
}

// Logout rotates the owner's api key and removes the session, approved or not.
// The removed session is returned.
func (m *SessionManagerImpl) Logout(ctx context.Context, apiKey string) (*model.Session, error) {
	u, err := m.identity.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if _, err := m.sessions.Get(ctx, apiKey); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnauthenticated
		}
		return nil, err
	}

	// rotating first makes the old key unusable even if the session delete fails
	if _, err := m.identity.ReplaceAPIKey(ctx, u.ID, apiKey); err != nil {
		return nil, err
	}

	var removed *model.Session
	err = m.sessions.Update(ctx, func(sessions map[string]*model.Session) error {
		cur, ok := sessions[apiKey]
		if !ok {
			return repository.ErrSkipWrite
		}
		removed = cur
		delete(sessions, apiKey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if removed == nil {
		return nil, errs.ErrUnauthenticated
	}
	m.log.Info("logged out", zap.Int64("user_id", u.ID))
	return removed, nil
}

// Authorize resolves apiKey to its user and approved session.
func (m *SessionManagerImpl) Authorize(ctx context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, errs.ErrInvalidAPIKey
	}
	u, err := m.identity.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	sess, err := m.sessions.Get(ctx, apiKey)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if !sess.Approved {
		return nil, errs.ErrNotApproved
	}
	return &Principal{User: u, Session: sess}, nil
}

// AuthorizeAdmin resolves an approved administrator session.
func (m *SessionManagerImpl) AuthorizeAdmin(ctx context.Context, apiKey string) (*Principal, error) {
	p, err := m.Authorize(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() {
		return nil, errs.ErrForbidden
	}
	return p, nil
}
