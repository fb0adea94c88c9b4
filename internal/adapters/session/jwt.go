// Package session validates host and analytics session tokens. Both are
// HS256 JWTs issued by the account API; host sessions may be renewed with a
// longer-lived refresh token.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/sceneroom/internal/config"
	"github.com/dkeye/sceneroom/internal/domain"
)

// HostClaims represents JWT payload for scene administrators.
type HostClaims struct {
	UserID      string `json:"uid"`
	Wallet      string `json:"wallet"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// AnalyticsClaims represents JWT payload for in-world visitors.
type AnalyticsClaims struct {
	SessionID string `json:"sid"`
	Wallet    string `json:"wallet,omitempty"`
	Location  string `json:"location,omitempty"`
	SceneID   string `json:"scene"`
	jwt.RegisteredClaims
}

type Validator struct {
	cfg config.JWTConfig
}

func NewValidator(cfg config.JWTConfig) *Validator {
	return &Validator{cfg: cfg}
}

func (v *Validator) ValidateHostSession(_ context.Context, token, refreshToken string) (domain.HostSession, error) {
	claims, err := parse(token, v.cfg.HostSecret, v.cfg.Issuer, &HostClaims{})
	if errors.Is(err, jwt.ErrTokenExpired) && refreshToken != "" {
		claims, err = parse(refreshToken, v.cfg.RefreshSecret, v.cfg.Issuer, &HostClaims{})
	}
	if err != nil {
		return domain.HostSession{}, fmt.Errorf("host session: %w", err)
	}
	if claims.UserID == "" {
		return domain.HostSession{}, errors.New("host session: missing uid")
	}
	return domain.HostSession{
		UserID:          claims.UserID,
		ConnectedWallet: claims.Wallet,
		Name:            claims.DisplayName,
	}, nil
}

func (v *Validator) ValidateAnalyticsSession(_ context.Context, token string, sceneID domain.SceneID) (domain.AnalyticsSession, error) {
	claims, err := parse(token, v.cfg.AnalyticsSecret, v.cfg.Issuer, &AnalyticsClaims{})
	if err != nil {
		return domain.AnalyticsSession{}, fmt.Errorf("analytics session: %w", err)
	}
	if domain.SceneID(claims.SceneID) != sceneID {
		return domain.AnalyticsSession{}, fmt.Errorf("analytics session issued for scene %q", claims.SceneID)
	}
	if claims.SessionID == "" {
		return domain.AnalyticsSession{}, errors.New("analytics session: missing sid")
	}
	wallet := claims.Wallet
	if wallet == "" {
		wallet = domain.GuestWallet
	}
	return domain.AnalyticsSession{
		SessionID:       claims.SessionID,
		ConnectedWallet: wallet,
		Location:        claims.Location,
		SceneID:         sceneID,
	}, nil
}

func parse[C jwt.Claims](token, secret, issuer string, claims C) (C, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// NewHostToken signs a host token; the account API and dev tooling use it.
func NewHostToken(secret, issuer string, s domain.HostSession, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := HostClaims{
		UserID:      s.UserID,
		Wallet:      s.ConnectedWallet,
		DisplayName: s.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   s.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// NewAnalyticsToken signs a visitor token bound to one scene.
func NewAnalyticsToken(secret, issuer string, s domain.AnalyticsSession, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AnalyticsClaims{
		SessionID: s.SessionID,
		Wallet:    s.ConnectedWallet,
		Location:  s.Location,
		SceneID:   string(s.SceneID),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   s.SessionID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
