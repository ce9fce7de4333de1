package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// StaticKeyProvider is the default KeyProvider: a fixed current secret plus
// a fixed fallback set, both resolved once at startup from config.Config
// rather than read from the environment on every call.
type StaticKeyProvider struct {
	kid      string
	secret   []byte
	fallback map[string][]byte
}

func NewStaticKeyProvider(kid, secret string, fallback map[string][]byte) *StaticKeyProvider {
	return &StaticKeyProvider{kid: kid, secret: []byte(secret), fallback: fallback}
}

func (k *StaticKeyProvider) CurrentSecret() (string, []byte)    { return k.kid, k.secret }
func (k *StaticKeyProvider) FallbackSecrets() map[string][]byte { return k.fallback }

// LogNotificationsSink is the default NotificationsSink: every event is
// logged structurally, meeting §7's "invariant violations MUST also emit
// an audit event" requirement with no external dependency. A production
// deployment typically wraps or replaces this with a real audit bus.
type LogNotificationsSink struct {
	logger *slog.Logger
}

func NewLogNotificationsSink(logger *slog.Logger) *LogNotificationsSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotificationsSink{logger: logger}
}

func (s *LogNotificationsSink) Notify(ctx context.Context, eventType string, payload map[string]any) {
	args := make([]any, 0, len(payload)*2)
	for k, v := range payload {
		args = append(args, k, v)
	}
	s.logger.InfoContext(ctx, "enforcement event", append([]any{"event_type", eventType}, args...)...)
}

// StaticIdentityProvider resolves reviewer identities from a fixed
// in-memory map, seeded once at startup (typically from a JSON file
// mapping reviewer_id -> {roles, permissions} an operator maintains
// alongside their SCIM/role-mapping source of truth).
type StaticIdentityProvider struct {
	mu         sync.RWMutex
	identities map[string]ReviewerIdentity
}

func NewStaticIdentityProvider(identities map[string]ReviewerIdentity) *StaticIdentityProvider {
	if identities == nil {
		identities = make(map[string]ReviewerIdentity)
	}
	return &StaticIdentityProvider{identities: identities}
}

// LoadStaticIdentityProviderFromFile reads a JSON file of the shape
// {"reviewer_id": {"roles": [...], "permissions": [...]}} into a
// StaticIdentityProvider. A missing path is not an error: it returns an
// empty provider, under which every review is unauthorized until the
// operator supplies a real identity file.
func LoadStaticIdentityProviderFromFile(path string) (*StaticIdentityProvider, error) {
	if path == "" {
		return NewStaticIdentityProvider(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStaticIdentityProvider(nil), nil
		}
		return nil, err
	}

	var raw map[string]struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	identities := make(map[string]ReviewerIdentity, len(raw))
	for reviewerID, v := range raw {
		identities[reviewerID] = ReviewerIdentity{ReviewerID: reviewerID, Roles: v.Roles, Permissions: v.Permissions}
	}
	return NewStaticIdentityProvider(identities), nil
}

func (p *StaticIdentityProvider) ReviewerIdentity(ctx context.Context, reviewerID string) (ReviewerIdentity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identities[reviewerID], nil
}

// NoopCostReader is the default CostReader/ProjectCostReader until a real
// cost-telemetry pipeline is wired: every lookup reports no data for every
// day, which the Computed Context Builder (§4.C) and stage-2 allocation
// lookup (§4.D) already treat as "zero spend, no anomaly" rather than an
// error.
type NoopCostReader struct{}

func (NoopCostReader) DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]DailyCost, error) {
	return nil, nil
}

func (NoopCostReader) ProjectDailyCosts(ctx context.Context, tenantID, projectID string, from, to time.Time) ([]DailyCost, error) {
	return nil, nil
}
