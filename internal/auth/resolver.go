package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/pharmacy"
	"pharmacy-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// UserStore reads identity records through the service-level connection.
// Every role check runs against this elevated path, never the caller's own
// row-restricted view: an empty restricted read must not be mistaken for
// "not admin".
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// SessionStore holds the authoritative fallback session tokens.
type SessionStore interface {
	CreateSessionToken(ctx context.Context, st *models.SessionToken) error
	GetSessionToken(ctx context.Context, token string) (*models.SessionToken, error)
	TouchSessionToken(ctx context.Context, token string, lastAccessedAt time.Time) error
	DeleteSessionToken(ctx context.Context, token string) error
}

// SessionCache is a best-effort look-aside in front of SessionStore. It is
// never authoritative: any miss or error falls through to the store.
type SessionCache interface {
	GetSession(ctx context.Context, token string) (*models.SessionToken, bool, error)
	SetSession(ctx context.Context, st *models.SessionToken) error
	DeleteSession(ctx context.Context, token string) error
}

// Credentials carries whatever the inbound request presented.
type Credentials struct {
	CookieToken  string
	BearerToken  string
	SessionToken string
}

// Resolver maps inbound credentials to an authenticated principal.
type Resolver struct {
	tokens     *TokenManager
	users      UserStore
	sessions   SessionStore
	cache      SessionCache
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewResolver creates a session resolver. cache may be nil.
func NewResolver(tokens *TokenManager, users UserStore, sessions SessionStore, cache SessionCache, sessionTTL time.Duration) *Resolver {
	return &Resolver{
		tokens:     tokens,
		users:      users,
		sessions:   sessions,
		cache:      cache,
		sessionTTL: sessionTTL,
		logger:     util.GetLogger(),
	}
}

// Resolve tries the cookie session, then the bearer token, then the fallback
// session token, returning the first principal that validates. Attempts are
// independent; partial results are never merged.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (models.Principal, error) {
	if creds.CookieToken != "" {
		if p, err := r.resolveJWT(ctx, creds.CookieToken); err == nil {
			util.AuthResolutionsTotal.WithLabelValues("cookie").Inc()
			return p, nil
		}
	}
	if creds.BearerToken != "" {
		if p, err := r.resolveJWT(ctx, creds.BearerToken); err == nil {
			util.AuthResolutionsTotal.WithLabelValues("bearer").Inc()
			return p, nil
		}
	}
	if creds.SessionToken != "" {
		if p, err := r.resolveSessionToken(ctx, creds.SessionToken); err == nil {
			util.AuthResolutionsTotal.WithLabelValues("session_token").Inc()
			return p, nil
		}
	}
	util.AuthFailuresTotal.Inc()
	return models.Principal{}, pharmacy.ErrUnauthorized
}

func (r *Resolver) resolveJWT(ctx context.Context, token string) (models.Principal, error) {
	userID, err := r.tokens.Verify(token)
	if err != nil {
		return models.Principal{}, pharmacy.ErrUnauthorized
	}
	return r.principalFor(ctx, userID)
}

func (r *Resolver) resolveSessionToken(ctx context.Context, token string) (models.Principal, error) {
	st := r.lookupSession(ctx, token)
	if st == nil {
		return models.Principal{}, pharmacy.ErrUnauthorized
	}

	now := time.Now()
	if now.After(st.ExpiresAt) {
		// Expired tokens are removed on sight.
		if err := r.sessions.DeleteSessionToken(ctx, token); err != nil {
			r.logger.Warn("Failed to delete expired session token", zap.Error(err))
		}
		if r.cache != nil {
			if err := r.cache.DeleteSession(ctx, token); err != nil {
				r.logger.Warn("Failed to evict expired session token from cache", zap.Error(err))
			}
		}
		return models.Principal{}, pharmacy.ErrUnauthorized
	}

	if err := r.sessions.TouchSessionToken(ctx, token, now); err != nil {
		r.logger.Warn("Failed to refresh session last_accessed_at", zap.Error(err))
	}

	return r.principalFor(ctx, st.UserID)
}

// lookupSession checks the cache first and falls back to the store. Cache
// failures are logged and ignored.
func (r *Resolver) lookupSession(ctx context.Context, token string) *models.SessionToken {
	if r.cache != nil {
		st, ok, err := r.cache.GetSession(ctx, token)
		if err != nil {
			r.logger.Warn("Session cache read failed, falling back to store", zap.Error(err))
		} else if ok {
			return st
		}
	}

	st, err := r.sessions.GetSessionToken(ctx, token)
	if err != nil {
		if !errors.Is(err, pharmacy.ErrNotFound) {
			r.logger.Error("Session token lookup failed", zap.Error(err))
		}
		return nil
	}

	if r.cache != nil {
		if err := r.cache.SetSession(ctx, st); err != nil {
			r.logger.Warn("Failed to cache session token", zap.Error(err))
		}
	}
	return st
}

func (r *Resolver) principalFor(ctx context.Context, userID int64) (models.Principal, error) {
	user, err := r.users.GetUserByID(ctx, userID)
	if err != nil {
		return models.Principal{}, pharmacy.ErrUnauthorized
	}
	if !user.IsActive {
		return models.Principal{}, pharmacy.ErrUnauthorized
	}
	return models.Principal{UserID: user.ID, Role: user.Role}, nil
}

// RequireRole enforces role membership on a resolved principal.
func RequireRole(p *models.Principal, allowed ...string) error {
	if p == nil {
		return pharmacy.ErrUnauthorized
	}
	for _, role := range allowed {
		if p.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q is not allowed here", pharmacy.ErrForbidden, p.Role)
}

// LoginResult carries everything a fresh login produces.
type LoginResult struct {
	Principal    models.Principal `json:"principal"`
	AccessToken  string           `json:"access_token"`
	SessionToken string           `json:"session_token"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// Login verifies credentials and mints both an access token and a fallback
// session token.
func (r *Resolver) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := r.users.GetUserByEmail(ctx, email)
	if err != nil {
		// Same answer for unknown user and bad password.
		return nil, pharmacy.ErrUnauthorized
	}
	if !user.IsActive {
		return nil, pharmacy.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, pharmacy.ErrUnauthorized
	}

	access, err := r.tokens.Sign(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to sign access token: %v", pharmacy.ErrInternal, err)
	}

	now := time.Now()
	st := &models.SessionToken{
		Token:          uuid.New().String(),
		UserID:         user.ID,
		ExpiresAt:      now.Add(r.sessionTTL),
		LastAccessedAt: now,
		CreatedAt:      now,
	}
	if err := r.sessions.CreateSessionToken(ctx, st); err != nil {
		return nil, fmt.Errorf("%w: failed to create session token: %v", pharmacy.ErrInternal, err)
	}
	if r.cache != nil {
		if err := r.cache.SetSession(ctx, st); err != nil {
			r.logger.Warn("Failed to cache new session token", zap.Error(err))
		}
	}

	r.logger.Info("User logged in", zap.Int64("user_id", user.ID), zap.String("role", user.Role))
	return &LoginResult{
		Principal:    models.Principal{UserID: user.ID, Role: user.Role},
		AccessToken:  access,
		SessionToken: st.Token,
		ExpiresAt:    st.ExpiresAt,
	}, nil
}

// Logout invalidates a fallback session token.
func (r *Resolver) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := r.sessions.DeleteSessionToken(ctx, token); err != nil && !errors.Is(err, pharmacy.ErrNotFound) {
		return fmt.Errorf("%w: failed to delete session token: %v", pharmacy.ErrInternal, err)
	}
	if r.cache != nil {
		if err := r.cache.DeleteSession(ctx, token); err != nil {
			r.logger.Warn("Failed to evict session token from cache", zap.Error(err))
		}
	}
	return nil
}
