package relay

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
)

// Environment variables configuring join grant verification.
const (
	EnvJoinGrantIssuer    = "REWIND_JOIN_GRANT_ISSUER"
	EnvJoinGrantAudience  = "REWIND_JOIN_GRANT_AUDIENCE"
	EnvJoinGrantPublicKey = "REWIND_JOIN_GRANT_PUBLIC_KEY"
	// EnvJoinGrantPrivateKey is the signing-side counterpart, read by the
	// grant-key tooling rather than the relay.
	EnvJoinGrantPrivateKey = "REWIND_JOIN_GRANT_PRIVATE_KEY"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"REWIND_JOIN_GRANT_ISSUER"`
	Audience  string `env:"REWIND_JOIN_GRANT_AUDIENCE"`
	PublicKey string `env:"REWIND_JOIN_GRANT_PUBLIC_KEY"`
}

// GrantConfig defines how join grants are verified. The zero value disables
// grant enforcement and rooms accept any participant.
type GrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Enabled reports whether join grants are enforced.
func (c GrantConfig) Enabled() bool {
	return len(c.Key) == ed25519.PublicKeySize
}

// GrantExpectation defines the expected identity for a join grant.
type GrantExpectation struct {
	RoomID        string
	ParticipantID string
}

// GrantClaims captures validated join grant claims.
type GrantClaims struct {
	Issuer        string
	Audience      []string
	ExpiresAt     time.Time
	NotBefore     time.Time
	IssuedAt      time.Time
	JWTID         string
	RoomID        string
	ParticipantID string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

// LoadGrantConfigFromEnv reads join grant verification configuration. When
// none of the grant variables are set the returned config is disabled; a
// partial configuration is an error.
func LoadGrantConfigFromEnv(now func() time.Time) (GrantConfig, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return GrantConfig{}, fmt.Errorf("parse join grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		return GrantConfig{}, nil
	}
	if issuer == "" {
		return GrantConfig{}, fmt.Errorf("REWIND_JOIN_GRANT_ISSUER is required")
	}
	if audience == "" {
		return GrantConfig{}, fmt.Errorf("REWIND_JOIN_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return GrantConfig{}, fmt.Errorf("REWIND_JOIN_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return GrantConfig{}, fmt.Errorf("decode join grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return GrantConfig{}, fmt.Errorf("join grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return GrantConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// ValidateGrant verifies a join grant token and validates expected claims.
func ValidateGrant(grant string, expected GrantExpectation, cfg GrantConfig) (GrantClaims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeGrantRequired, "join grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return GrantClaims{}, errors.New("join grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return GrantClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"join grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"join grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}

	if parsed.ID == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeGrantInvalid, "join grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return GrantClaims{}, apperrors.New(apperrors.CodeGrantInvalid, "join grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return GrantClaims{}, apperrors.New(apperrors.CodeGrantExpired, "join grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return GrantClaims{}, apperrors.New(apperrors.CodeGrantInvalid, "join grant not active yet")
		}
	}

	if strings.TrimSpace(parsed.RoomID) == "" || parsed.RoomID != expected.RoomID {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"join grant room mismatch",
			map[string]string{"Field": "room_id"},
		)
	}
	if strings.TrimSpace(parsed.ParticipantID) == "" || parsed.ParticipantID != expected.ParticipantID {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"join grant participant mismatch",
			map[string]string{"Field": "participant_id"},
		)
	}

	claims := GrantClaims{
		Issuer:        parsed.Issuer,
		Audience:      []string(parsed.Audience),
		ExpiresAt:     exp,
		JWTID:         parsed.ID,
		RoomID:        parsed.RoomID,
		ParticipantID: parsed.ParticipantID,
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeGrantInvalid, "join grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeGrantInvalid, "join grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeGrantInvalid, "join grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
