package rates

import (
	"context"
	"testing"

	"github.com/adred-codev/dispatchd/internal/domain"
)

type fakeStore struct {
	users  map[string]*domain.User
	ranges map[string]*domain.AdminRateRange
	global *domain.Rates
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return &domain.User{UserID: userID}, nil
	}
	return u, nil
}

func (f *fakeStore) GetAdminRateRange(ctx context.Context, adminID string) (*domain.AdminRateRange, error) {
	return f.ranges[adminID], nil
}

func (f *fakeStore) GetGlobalRates(ctx context.Context) (*domain.Rates, error) {
	return f.global, nil
}

func TestResolve_SuperAdminOverrideWinsOutright(t *testing.T) {
	store := &fakeStore{
		users: map[string]*domain.User{
			"u1": {UserID: "u1", Rates: &domain.Rates{Send: 9.0, Fail: 0.5}, AdminRateSetBy: domain.SuperAdminSource},
		},
		ranges: map[string]*domain.AdminRateRange{"admin1": {MinSend: 0.1, MaxSend: 2.0}},
		global: &domain.Rates{Send: 1.0, Fail: 0.0},
	}
	r := New(store)

	rr, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rr.Send != 9.0 || rr.Fail != 0.5 {
		t.Fatalf("expected super_admin override untouched, got %+v", rr)
	}
}

func TestResolve_AdminOverrideReadAtFullStoredValue(t *testing.T) {
	// The admin's range only gates the write path (ValidateRange); once
	// stored, Resolve must return the rate as-is even if the admin's
	// range has since been tightened below it.
	store := &fakeStore{
		users: map[string]*domain.User{
			"u2": {UserID: "u2", Rates: &domain.Rates{Send: 9.0, Fail: 0.0}, AdminRateSetBy: "admin1"},
		},
		ranges: map[string]*domain.AdminRateRange{"admin1": {MinSend: 0.1, MaxSend: 2.0, MinFail: 0, MaxFail: 1.0}},
		global: &domain.Rates{Send: 1.0, Fail: 0.0},
	}
	r := New(store)

	rr, err := r.Resolve(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if rr.Send != 9.0 {
		t.Fatalf("expected stored admin-set rate returned unclamped, got %v", rr.Send)
	}
}

func TestValidateRange_RejectsOutOfRange(t *testing.T) {
	rng := domain.AdminRateRange{MinSend: 0.1, MaxSend: 2.0, MinFail: 0, MaxFail: 1.0}
	if err := ValidateRange(domain.Rates{Send: 9.0, Fail: 0}, rng); err == nil {
		t.Fatal("expected error for send above max")
	}
	if err := ValidateRange(domain.Rates{Send: 0.01, Fail: 0}, rng); err == nil {
		t.Fatal("expected error for send below min")
	}
	if err := ValidateRange(domain.Rates{Send: 1.0, Fail: 0.5}, rng); err != nil {
		t.Fatalf("expected in-range rates to validate, got %v", err)
	}
}

func TestResolve_GlobalDefaultWhenNoUserOverride(t *testing.T) {
	store := &fakeStore{
		users:  map[string]*domain.User{"u3": {UserID: "u3"}},
		ranges: map[string]*domain.AdminRateRange{},
		global: &domain.Rates{Send: 1.5, Fail: 0.25},
	}
	r := New(store)

	rr, err := r.Resolve(context.Background(), "u3")
	if err != nil {
		t.Fatal(err)
	}
	if rr.Send != 1.5 || rr.Fail != 0.25 {
		t.Fatalf("expected global rates, got %+v", rr)
	}
}

func TestResolve_FallsBackToDefaultRatesWhenNothingConfigured(t *testing.T) {
	store := &fakeStore{users: map[string]*domain.User{"u4": {UserID: "u4"}}, ranges: map[string]*domain.AdminRateRange{}}
	r := New(store)

	rr, err := r.Resolve(context.Background(), "u4")
	if err != nil {
		t.Fatal(err)
	}
	want := domain.DefaultRates()
	if rr.Send != want.Send || rr.Fail != want.Fail {
		t.Fatalf("expected default rates %+v, got %+v", want, rr)
	}
}

func TestSource_ReflectsResolutionTier(t *testing.T) {
	store := &fakeStore{
		users: map[string]*domain.User{
			"super": {UserID: "super", Rates: &domain.Rates{Send: 1}, AdminRateSetBy: domain.SuperAdminSource},
			"admin": {UserID: "admin", Rates: &domain.Rates{Send: 1}, AdminRateSetBy: "admin1"},
			"none":  {UserID: "none"},
		},
	}
	r := New(store)

	if s, _ := r.Source(context.Background(), "super"); s != string(domain.ScopeUser) {
		t.Fatalf("expected scope user for super_admin override, got %s", s)
	}
	if s, _ := r.Source(context.Background(), "admin"); s != string(domain.ScopeAdmin) {
		t.Fatalf("expected scope admin, got %s", s)
	}
	if s, _ := r.Source(context.Background(), "none"); s != string(domain.ScopeGlobal) {
		t.Fatalf("expected scope global, got %s", s)
	}
}
