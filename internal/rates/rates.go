// Package rates implements the Rates Resolver (RR): the priority chain
// that decides what a user is charged per successful and failed send.
package rates

import (
	"context"
	"fmt"

	"github.com/adred-codev/dispatchd/internal/domain"
)

// Store is the narrow persistence contract RR needs from the state
// store: per-user overrides, an admin's allowed range (read by the
// write path through ValidateRange, not by Resolver), and the single
// global default row.
type Store interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetAdminRateRange(ctx context.Context, adminID string) (*domain.AdminRateRange, error)
	GetGlobalRates(ctx context.Context) (*domain.Rates, error)
}

// Resolver computes effective rates per the priority chain: any
// user-level override (whether set by the super_admin or by a regular
// admin) wins outright; otherwise, including a stored override with no
// source tag, the global default applies. An
// admin's allowed range is enforced only at write time (see
// ValidateRange) — once a rate is stored, it is authoritative at read
// time, so tightening an admin's range later does not retroactively
// alter a rate that admin already set. Any rate left unset at its
// level falls through to DefaultRates.
type Resolver struct {
	store Store
}

func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the rates that should be used to bill userID's next
// report.
func (r *Resolver) Resolve(ctx context.Context, userID string) (domain.Rates, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return domain.Rates{}, fmt.Errorf("rates: load user %s: %w", userID, err)
	}

	if u.Rates != nil && u.AdminRateSetBy != "" {
		return fillDefaults(*u.Rates), nil
	}

	global, err := r.store.GetGlobalRates(ctx)
	if err != nil {
		return domain.Rates{}, fmt.Errorf("rates: load global rates: %w", err)
	}
	if global == nil {
		return domain.DefaultRates(), nil
	}
	return fillDefaults(*global), nil
}

// Source reports which tier produced the last Resolve call's result,
// used by the HTTP surface to explain "why am I being charged this".
func (r *Resolver) Source(ctx context.Context, userID string) (string, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("rates: load user %s: %w", userID, err)
	}
	if u.Rates == nil {
		return string(domain.ScopeGlobal), nil
	}
	if u.AdminRateSetBy == domain.SuperAdminSource {
		return string(domain.ScopeUser), nil
	}
	if u.AdminRateSetBy != "" {
		return string(domain.ScopeAdmin), nil
	}
	return string(domain.ScopeGlobal), nil
}

func fillDefaults(r domain.Rates) domain.Rates {
	d := domain.DefaultRates()
	if r.Send == 0 {
		r.Send = d.Send
	}
	// Fail legitimately defaults to 0, so it is never substituted here;
	// only an explicitly-missing send price needs a fallback.
	return r
}

// ValidateRange rejects r if it falls outside rng, used by the HTTP
// surface to enforce an admin's allowed range at write time — the
// point the priority chain's doc comment says enforcement belongs,
// instead of silently clamping whatever was stored.
func ValidateRange(r domain.Rates, rng domain.AdminRateRange) error {
	if r.Send < rng.MinSend {
		return fmt.Errorf("rates: send %.4f is below admin minimum %.4f", r.Send, rng.MinSend)
	}
	if rng.MaxSend > 0 && r.Send > rng.MaxSend {
		return fmt.Errorf("rates: send %.4f exceeds admin maximum %.4f", r.Send, rng.MaxSend)
	}
	if r.Fail < rng.MinFail {
		return fmt.Errorf("rates: fail %.4f is below admin minimum %.4f", r.Fail, rng.MinFail)
	}
	if rng.MaxFail > 0 && r.Fail > rng.MaxFail {
		return fmt.Errorf("rates: fail %.4f exceeds admin maximum %.4f", r.Fail, rng.MaxFail)
	}
	return nil
}
