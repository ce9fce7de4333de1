package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// TokenType is the only token_type this service ever issues (§3, §4.H).
const TokenType = "enforcement_approval"

// MaxTokenTTL bounds every issued token regardless of the approval
// request's own expires_at, per §4.H: "expires_at <= min(approval.expires_at, 24h)".
const MaxTokenTTL = 24 * time.Hour

// ErrTokenInvalid covers signature failure against every known secret.
var ErrTokenInvalid = errors.New("approval: token signature invalid")

// Claims is the one-time approval token's claim set (§3), bound to the
// decision it was issued for so consume_approval_token can validate every
// binding field without a second lookup.
type Claims struct {
	jwt.RegisteredClaims
	TokenType          string       `json:"token_type"`
	TenantID           string       `json:"tenant_id"`
	ProjectID          string       `json:"project_id"`
	Environment        string       `json:"environment"`
	Source             string       `json:"source"`
	DecisionID         string       `json:"decision_id"`
	ApprovalID         string       `json:"approval_id"`
	Fingerprint        string       `json:"fingerprint"`
	MaxMonthlyDeltaUSD money.Amount `json:"max_monthly_delta_usd"`
	MaxHourlyDeltaUSD  money.Amount `json:"max_hourly_delta_usd"`
	KeyID              string       `json:"kid"`
}

// Signer issues and verifies one-time approval tokens. Verification tries
// the current signing secret then every rotation fallback secret, adapting
// the reference KeyRing's current-key-plus-fallback lookup to HS256 per
// §4.H's literal "verify with current secret; if fail, try each rotation
// fallback secret" contract.
type Signer struct {
	keys collab.KeyProvider
}

func NewSigner(keys collab.KeyProvider) *Signer {
	return &Signer{keys: keys}
}

// Issue signs a one-time token for an APPROVED request. ttl is clamped to
// MaxTokenTTL and to the time remaining before the request's own expiry.
func (s *Signer) Issue(r Request) (string, error) {
	kid, secret := s.keys.CurrentSecret()
	now := time.Now().UTC()

	ttl := time.Until(r.ExpiresAt)
	if ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	if ttl <= 0 {
		return "", fmt.Errorf("approval: request already expired, cannot issue token")
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   r.ID,
		},
		TokenType:          TokenType,
		TenantID:           r.TenantID,
		ProjectID:          r.ProjectID,
		Environment:        r.Environment,
		Source:             r.Source,
		DecisionID:         r.DecisionID,
		ApprovalID:         r.ID,
		Fingerprint:        r.RequestFingerprint,
		MaxMonthlyDeltaUSD: r.MaxMonthlyDeltaUSD,
		MaxHourlyDeltaUSD:  r.MaxHourlyDeltaUSD,
		KeyID:              kid,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(secret)
}

// Parse verifies the token's signature against the current secret, then
// each fallback secret (deduplicated, since FallbackSecrets is keyed by
// kid), returning the first verification that succeeds.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	_, current := s.keys.CurrentSecret()
	secrets := [][]byte{current}
	for _, secret := range s.keys.FallbackSecrets() {
		secrets = append(secrets, secret)
	}

	var lastErr error
	for _, secret := range secrets {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("approval: unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err == nil && token.Valid {
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, lastErr)
}
