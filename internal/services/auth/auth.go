// Package auth authenticates dashboard operators with bcrypt passwords
// and short-lived HS256 access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/platform/envutil"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

type Claims struct {
	jwt.RegisteredClaims
}

type Service interface {
	Login(ctx context.Context, email, password string) (string, error)
	// Verify parses and validates an access token and returns the operator id.
	Verify(tokenString string) (uuid.UUID, error)
	// SeedAdmin creates the bootstrap operator from ADMIN_EMAIL and
	// ADMIN_PASSWORD when no operators exist yet.
	SeedAdmin(ctx context.Context) error
}

type service struct {
	operators repos.OperatorRepo
	secret    string
	accessTTL time.Duration
	log       *logger.Logger
}

func NewService(operators repos.OperatorRepo, baseLog *logger.Logger) (Service, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	ttl := envutil.Duration("ACCESS_TOKEN_TTL", 12*time.Hour)
	return &service{
		operators: operators,
		secret:    secret,
		accessTTL: ttl,
		log:       baseLog.With("service", "AuthService"),
	}, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	op, err := s.operators.GetByEmail(ctx, nil, email)
	if err != nil {
		return "", err
	}
	if op == nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		s.log.Warn("failed login attempt", "email", email)
		return "", ErrInvalidCredentials
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secret))
}

func (s *service) Verify(tokenString string) (uuid.UUID, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("invalid or expired token")
	}
	operatorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid operator id in token: %w", err)
	}
	return operatorID, nil
}

func (s *service) SeedAdmin(ctx context.Context) error {
	email := strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL")))
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	count, err := s.operators.Count(ctx, nil)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	_, err = s.operators.Create(ctx, nil, &domain.Operator{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
	})
	if err != nil {
		return err
	}
	s.log.Info("seeded bootstrap operator", "email", email)
	return nil
}
