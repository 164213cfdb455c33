package service

import (
	"context"
	"time"

	"taskpulse/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	SessionKeyPrefix = "taskpulse:session:"
	Issuer           = "taskpulse-gateway"
)

// SignedKey should be loaded from env in production
var SignedKey = []byte("taskpulse-super-secret-key-2026")

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// MintToken issues a signed access token. The task app's own auth service
// normally does this; the gateway only needs it for dev tooling and load
// tests.
func MintToken(userID, username, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(SignedKey)
}

// SessionChecker consults the shared session registry in redis. The task
// app records a session key at login; the gateway refuses sockets for users
// who are not logged in. Redis trouble fails open so an outage there cannot
// take the realtime layer down with it.
type SessionChecker struct {
	redis *redis.Client
}

func NewSessionChecker(rdb *redis.Client) *SessionChecker {
	return &SessionChecker{redis: rdb}
}

func (s *SessionChecker) Active(ctx context.Context, userID string) bool {
	if s.redis == nil {
		return true
	}
	n, err := s.redis.Exists(ctx, SessionKeyPrefix+userID).Result()
	if err != nil {
		logger.Warn("session lookup failed, allowing connection", zap.Error(err))
		return true
	}
	return n > 0
}

// Touch records a session, used by dev tooling and the load test harness.
func (s *SessionChecker) Touch(ctx context.Context, userID string, ttl time.Duration) error {
	return s.redis.Set(ctx, SessionKeyPrefix+userID, time.Now().Unix(), ttl).Err()
}
