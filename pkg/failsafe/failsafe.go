// Package failsafe implements the Fail-Safe Policy Selector (§4.M): it
// resolves a (source, environment) pair to one of SHADOW/SOFT/HARD and
// translates that mode into the concrete decision outcome a ceiling
// breach or an internal error/timeout should produce.
package failsafe

import (
	"github.com/valdrix-ai/ecp/pkg/config"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
)

// Mode re-exports config.FailMode under this package's vocabulary so
// callers reading failsafe code don't need to reach into pkg/config for
// the type name.
type Mode = config.FailMode

const (
	ModeShadow = config.ModeShadow
	ModeSoft   = config.ModeSoft
	ModeHard   = config.ModeHard
)

// Resolver resolves a decision's mode scope from the policy matrix.
type Resolver struct {
	cfg *config.Config
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// ModeFor returns the resolved mode plus the mode_scope string recorded on
// every decision (e.g. "terraform_mode_prod").
func (r *Resolver) ModeFor(source, environment string) (Mode, string) {
	return r.cfg.ModeFor(source, environment)
}

// CeilingBreachOutcome maps a HARD/SOFT/SHADOW mode to the decision status
// produced when the limiting waterfall stage is a ceiling (plan or
// enterprise) rather than a credit-pool exhaustion.
func CeilingBreachOutcome(mode Mode) decisionledger.Status {
	switch mode {
	case ModeHard:
		return decisionledger.StatusDeny
	case ModeSoft:
		return decisionledger.StatusRequireApproval
	case ModeShadow:
		return decisionledger.StatusAllow
	default:
		return decisionledger.StatusDeny
	}
}

// ErrorOutcome maps a mode to the FAIL_SAFE_* status produced by a
// timeout, lock contention/timeout, or unexpected internal error (§4.F,
// §4.M).
func ErrorOutcome(mode Mode) decisionledger.Status {
	switch mode {
	case ModeHard:
		return decisionledger.StatusFailSafeDeny
	case ModeSoft:
		return decisionledger.StatusFailSafeRequireApprove
	case ModeShadow:
		return decisionledger.StatusFailSafeAllow
	default:
		return decisionledger.StatusFailSafeDeny
	}
}
