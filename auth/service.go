package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"bountyescrow/access"
	"bountyescrow/principal"
)

var (
	// ErrInvalidCredentials signals wrong address or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken signals a bearer token that does not verify.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnauthorized signals a registration by a caller who is not an
	// administrator.
	ErrUnauthorized = errors.New("auth: only administrators may register principals")
)

// CapabilityChecker answers whether a principal holds a capability.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, p principal.Address, c access.Capability) (bool, error)
}

const defaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic. It proves control of an
// address; what the address may do is decided by the access registry.
// Credentials are issued by administrators, so holding a password for an
// address means an administrator vouched for its owner.
type Service struct {
	repo      Repository
	checker   CapabilityChecker
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and credential returned after a successful login.
type LoginResult struct {
	Token     string
	Principal principal.Address
	ExpiresAt time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, checker CapabilityChecker, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		checker:   checker,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTokenTTL,
		now:       time.Now,
	}
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	s.tokenTTL = ttl
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register stores credentials for a principal address on behalf of caller,
// who must hold the administrator capability.
func (s *Service) Register(ctx context.Context, caller principal.Address, req RegisterRequest) (*Credential, error) {
	if caller.IsZero() || s.checker == nil {
		return nil, ErrUnauthorized
	}
	ok, err := s.checker.HasCapability(ctx, caller, access.Administrator)
	if err != nil {
		return nil, fmt.Errorf("auth: check caller: %w", err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	return s.Provision(ctx, req)
}

// Provision stores credentials without an administrator check. It is meant
// for operator tooling that already holds database access, such as the
// deployment command seeding the genesis administrator.
func (s *Service) Provision(ctx context.Context, req RegisterRequest) (*Credential, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	address, err := principal.ParseAddress(req.Address)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if address.IsZero() {
		return nil, fmt.Errorf("auth: %w", principal.ErrInvalidAddress)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	cred, err := s.repo.CreateCredential(ctx, address, string(passwordHash))
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Login authenticates a principal and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	address, err := principal.ParseAddress(req.Address)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	cred, err := s.repo.GetCredential(ctx, address)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	expiresAt := s.now().Add(s.tokenTTL)
	token, err := s.generateToken(cred.Address, expiresAt)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, Principal: cred.Address, ExpiresAt: expiresAt}, nil
}

// VerifyToken validates a JWT token and returns the principal it was issued to.
func (s *Service) VerifyToken(tokenString string) (principal.Address, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	address, err := principal.ParseAddress(sub)
	if err != nil || address.IsZero() {
		return "", fmt.Errorf("%w: bad subject %q", ErrInvalidToken, sub)
	}
	return address, nil
}

func (s *Service) generateToken(address principal.Address, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": address.String(),
		"exp": expiresAt.Unix(),
		"iat": s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
