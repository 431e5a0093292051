// Package auth implements dashboard accounts, JWT minting, and bearer-token
// resolution for the HTTP transport.
//
// Bearer resolution order is fixed: JWT first, then the environment-provided
// dev API key, then database API keys. JWT subjects and the dev key both map
// to the "default" project; database keys map to the project that owns them.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// DefaultProject is the project id JWT users and the dev API key resolve to.
const DefaultProject = "default"

type (
	// Principal is a resolved caller.
	Principal struct {
		ProjectID string
		UserID    string // set only for JWT callers
		Method    string // "jwt", "dev_key", or "api_key"
	}

	// Service handles registration, login, and bearer resolution.
	Service struct {
		store     store.Store
		devAPIKey string
		jwtSecret []byte
		jwtExpiry time.Duration
		now       func() time.Time
	}

	// Options configures a Service.
	Options struct {
		DevAPIKey string
		JWTSecret string
		JWTExpiry time.Duration
		// Now overrides the clock in tests.
		Now func() time.Time
	}
)

// New builds an auth service.
func New(st store.Store, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if opts.JWTSecret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if opts.JWTExpiry <= 0 {
		opts.JWTExpiry = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     st,
		devAPIKey: opts.DevAPIKey,
		jwtSecret: []byte(opts.JWTSecret),
		jwtExpiry: opts.JWTExpiry,
		now:       opts.Now,
	}, nil
}

// NewAPIKeySecret returns a fresh project API key secret. Keys are prefixed
// so they are recognizable in logs and support tickets.
func NewAPIKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "vgl_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Register creates a user account. The email is validated and stored as
// given; uniqueness is case-insensitive.
func (s *Service) Register(ctx context.Context, email, password string) (store.User, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, vigilerr.Validation("invalid email address")
	}
	if len(password) < 8 {
		return store.User{}, vigilerr.Validation("password must be at least 8 characters")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, vigilerr.Internal("failed to hash password", err)
	}
	u := store.User{
		ID:             uuid.NewString(),
		Email:          email,
		HashedPassword: string(hashed),
		Active:         true,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.User{}, vigilerr.Conflict("email already registered")
		}
		return store.User{}, vigilerr.Internal("failed to create user", err)
	}
	return u, nil
}

// Login verifies credentials and mints a JWT. Inactive accounts are refused
// even with a correct password.
func (s *Service) Login(ctx context.Context, email, password string) (token string, expiresAt time.Time, err error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", time.Time{}, vigilerr.Unauthorized("incorrect email or password")
		}
		return "", time.Time{}, vigilerr.Internal("failed to look up user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)) != nil {
		return "", time.Time{}, vigilerr.Unauthorized("incorrect email or password")
	}
	if !u.Active {
		return "", time.Time{}, vigilerr.Forbidden("account is inactive")
	}
	return s.mintToken(u.ID)
}

func (s *Service) mintToken(userID string) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.jwtExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, vigilerr.Internal("failed to sign token", err)
	}
	return signed, exp, nil
}

// parseJWT validates a token and returns its subject. An error means the
// bearer is not a valid JWT; the caller falls through to API key resolution.
func (s *Service) parseJWT(bearer string) (string, error) {
	tok, err := jwt.ParseWithClaims(bearer, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("missing subject")
	}
	return claims.Subject, nil
}

// Resolve maps a bearer string to a Principal. Resolution tries JWT, the dev
// API key, and finally database API keys, in that order.
func (s *Service) Resolve(ctx context.Context, bearer string) (Principal, error) {
	if bearer == "" {
		return Principal{}, vigilerr.Unauthorized("")
	}
	if sub, err := s.parseJWT(bearer); err == nil {
		return Principal{ProjectID: DefaultProject, UserID: sub, Method: "jwt"}, nil
	}
	if s.devAPIKey != "" && bearer == s.devAPIKey {
		return Principal{ProjectID: DefaultProject, Method: "dev_key"}, nil
	}
	k, err := s.store.GetActiveAPIKey(ctx, bearer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, vigilerr.Unauthorized("invalid API key")
		}
		return Principal{}, vigilerr.Internal("failed to resolve API key", err)
	}
	return Principal{ProjectID: k.ProjectID, Method: "api_key"}, nil
}

// ResolveOrGuest resolves the bearer but maps missing or invalid credentials
// to the default project instead of failing. Guest endpoints use this so the
// dashboard works without registration.
func (s *Service) ResolveOrGuest(ctx context.Context, bearer string) Principal {
	p, err := s.Resolve(ctx, bearer)
	if err != nil {
		return Principal{ProjectID: DefaultProject, Method: "guest"}
	}
	return p
}
