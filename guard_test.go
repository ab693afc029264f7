package authenticator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hyrioo/authenticator/family"
)

type testUser struct {
	id      string
	kind    string
	granted []string
}

func (u *testUser) PrincipalID() string   { return u.id }
func (u *testUser) PrincipalType() string { return u.kind }

// grantedUser additionally exposes persisted grants, so Can consults them.
type grantedUser struct {
	testUser
}

func (u *grantedUser) GrantedScopes(context.Context) ([]string, error) {
	return u.granted, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

// The clock starts at the real current time: the store sets absolute
// PEXPIREAT instants from it, and miniredis evaluates those against the
// wall clock, so a fixed past instant would expire every key immediately.
func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Credential.SigningKey = []byte("test-signing-key-test-signing-ke")
	cfg.Expiry.Family = 0
	cfg.Expiry.Access = 5 * time.Minute
	cfg.Expiry.Refresh = 7 * 24 * time.Hour
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestGuard(t *testing.T, principals ...Principal) (*Guard, *testClock) {
	t.Helper()
	return newTestGuardWithConfig(t, testConfig(), principals...)
}

func newTestGuardWithConfig(t *testing.T, cfg Config, principals ...Principal) (*Guard, *testClock) {
	t.Helper()

	byID := make(map[string]Principal, len(principals))
	for _, p := range principals {
		byID[p.PrincipalID()] = p
	}

	clock := newTestClock()
	guard, err := New().
		WithConfig(cfg).
		WithRedis(newTestRedis(t)).
		WithClock(clock.Now).
		WithScopeGroup("reporting", []string{"reports.view", "reports.export[ALL]"}).
		WithPrincipalResolver("user", PrincipalResolverFunc(func(ctx context.Context, id string) (Principal, error) {
			p, ok := byID[id]
			if !ok {
				return nil, errors.New("no such user")
			}
			return p, nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(guard.Close)

	return guard, clock
}

func TestIssueAuthenticateRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{
		Name:   "web session",
		Scopes: []string{"orders.view[10,11]"},
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token.Family.LastRefreshSequence != 1 {
		t.Fatalf("new family must start at sequence 1, got %d", token.Family.LastRefreshSequence)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		t.Fatal("expected a credential pair")
	}

	access, err := guard.Authenticate(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if access.Principal != alice {
		t.Fatalf("resolved wrong principal: %#v", access.Principal)
	}
	if access.FamilyID() != token.Family.FamilyID {
		t.Fatalf("family mismatch: %q vs %q", access.FamilyID(), token.Family.FamilyID)
	}
	if access.Family.Name != "web session" {
		t.Fatalf("family name mismatch: %q", access.Family.Name)
	}
}

func TestIssueRejectsInvalidPrincipal(t *testing.T) {
	guard, _ := newTestGuard(t)

	if _, err := guard.Issue(context.Background(), nil, IssueParams{}); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
	if _, err := guard.Issue(context.Background(), &testUser{kind: "user"}, IssueParams{}); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
}

func TestIssueRejectsMalformedScopes(t *testing.T) {
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	_, err := guard.Issue(context.Background(), alice, IssueParams{Scopes: []string{"not a scope"}})
	if err == nil {
		t.Fatal("expected malformed scope to fail issuance")
	}
}

func TestSubjectSurvivesSeparatorInOwnerID(t *testing.T) {
	ctx := context.Background()
	// Owner ids are application strings; nothing stops them from carrying
	// the subject delimiter.
	alice := &testUser{id: "org-7|alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	access, err := guard.Authenticate(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if access.Principal.PrincipalID() != "org-7|alice" {
		t.Fatalf("owner id mangled: %q", access.Principal.PrincipalID())
	}
	if access.Principal.PrincipalType() != "user" {
		t.Fatalf("owner type mangled: %q", access.Principal.PrincipalType())
	}
}

func TestIssueRejectsSeparatorInOwnerType(t *testing.T) {
	guard, _ := newTestGuard(t)

	bad := &testUser{id: "alice", kind: "user|admin"}
	if _, err := guard.Issue(context.Background(), bad, IssueParams{}); !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
}

func TestAuthenticateUnknownOwnerType(t *testing.T) {
	ctx := context.Background()
	bot := &testUser{id: "bot-1", kind: "service"}
	guard, _ := newTestGuard(t)

	token, err := guard.Issue(ctx, bot, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	_, err = guard.Authenticate(ctx, token.AccessToken)
	if !errors.Is(err, ErrUnknownOwnerType) {
		t.Fatalf("expected ErrUnknownOwnerType, got %v", err)
	}
}

func TestAuthenticatePrincipalGone(t *testing.T) {
	ctx := context.Background()
	ghost := &testUser{id: "ghost", kind: "user"}
	guard, _ := newTestGuard(t) // resolver knows nobody

	token, err := guard.Issue(ctx, ghost, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	_, err = guard.Authenticate(ctx, token.AccessToken)
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestAuthenticateGarbageToken(t *testing.T) {
	guard, _ := newTestGuard(t)

	_, err := guard.Authenticate(context.Background(), "not-a-token")
	if !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	issued, err := guard.Issue(ctx, alice, IssueParams{Scopes: []string{"orders.view"}})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	rotated, err := guard.Refresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.Family.LastRefreshSequence != 2 {
		t.Fatalf("expected sequence 2 after rotation, got %d", rotated.Family.LastRefreshSequence)
	}
	if rotated.Family.FamilyID != issued.Family.FamilyID {
		t.Fatal("rotation must stay within the family")
	}

	// Replaying the consumed refresh credential is theft; the whole family
	// dies with it.
	_, err = guard.Refresh(ctx, issued.RefreshToken)
	if !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("expected ErrRefreshTokenReuse, got %v", err)
	}

	// The legitimate holder is locked out too.
	_, err = guard.Refresh(ctx, rotated.RefreshToken)
	if !errors.Is(err, ErrTokenFamilyNotFound) {
		t.Fatalf("expected ErrTokenFamilyNotFound after revocation, got %v", err)
	}
	_, err = guard.Authenticate(ctx, rotated.AccessToken)
	if !errors.Is(err, ErrTokenFamilyNotFound) {
		t.Fatalf("expected ErrTokenFamilyNotFound after revocation, got %v", err)
	}

	if got := guard.Metrics().Value(MetricReuseDetected); got != 1 {
		t.Fatalf("expected 1 reuse detection, got %d", got)
	}
}

// failingDeleteStore lets rotation proceed but breaks revocation, to force
// the path where reuse is detected and the family cannot be removed.
type failingDeleteStore struct {
	family.Store
	deleteErr error
}

func (s *failingDeleteStore) Delete(ctx context.Context, familyID string) (bool, error) {
	return false, s.deleteErr
}

func TestReuseRevocationFailureIsDistinctFromReuse(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}

	store := &failingDeleteStore{
		Store:     family.NewRedisStore(newTestRedis(t), "tf"),
		deleteErr: errors.New("redis gone"),
	}

	sink := newCaptureSink(64)
	cfg := testConfig()
	cfg.Audit.Enabled = true

	clock := newTestClock()
	guard, err := New().
		WithConfig(cfg).
		WithStore(store).
		WithClock(clock.Now).
		WithAuditSink(sink).
		WithPrincipalResolver("user", PrincipalResolverFunc(func(ctx context.Context, id string) (Principal, error) {
			return alice, nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(guard.Close)

	issued, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := guard.Refresh(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// Reuse is detected, but the revocation step fails. The caller must see
	// the fatal condition, not a plain reuse report: the compromised family
	// still exists.
	_, err = guard.Refresh(ctx, issued.RefreshToken)
	if !errors.Is(err, ErrFailedToDeleteTokenFamily) {
		t.Fatalf("expected ErrFailedToDeleteTokenFamily, got %v", err)
	}
	if errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatal("revocation failure must not masquerade as handled reuse")
	}

	if got := guard.Metrics().Value(MetricRevokeFailed); got != 1 {
		t.Fatalf("expected 1 revoke failure, got %d", got)
	}
	if got := guard.Metrics().Value(MetricReuseDetected); got != 0 {
		t.Fatalf("reuse counter must not fire when revocation failed, got %d", got)
	}

	// Drain to the revoke-failed event: issue and refresh events precede it.
	for {
		event := sink.next(t)
		if event.EventType != AuditEventRevokeFailed {
			continue
		}
		if event.Success || event.FamilyID != issued.Family.FamilyID {
			t.Fatalf("unexpected revoke-failed event: %+v", event)
		}
		break
	}

	// The family record indeed survived the failed revocation.
	if _, err := store.FindByID(ctx, issued.Family.FamilyID); err != nil {
		t.Fatalf("family should still exist after failed delete: %v", err)
	}
}

func TestRefreshSequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	refresh := token.RefreshToken
	for want := 2; want <= 6; want++ {
		rotated, err := guard.Refresh(ctx, refresh)
		if err != nil {
			t.Fatalf("Refresh %d failed: %v", want, err)
		}
		if rotated.Family.LastRefreshSequence != want {
			t.Fatalf("expected sequence %d, got %d", want, rotated.Family.LastRefreshSequence)
		}
		refresh = rotated.RefreshToken
	}
}

func TestExpiredFamilyRejectsEverything(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	cfg := testConfig()
	cfg.Expiry.Family = time.Hour
	cfg.Expiry.Access = 0 // access credential itself never expires
	guard, clock := newTestGuardWithConfig(t, cfg, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	// The credential is still structurally valid; the family bound rejects
	// it anyway.
	_, err = guard.Authenticate(ctx, token.AccessToken)
	if !errors.Is(err, ErrFamilyExpired) {
		t.Fatalf("expected ErrFamilyExpired, got %v", err)
	}

	_, err = guard.Refresh(ctx, token.RefreshToken)
	if !errors.Is(err, ErrFamilyExpired) {
		t.Fatalf("expected ErrFamilyExpired, got %v", err)
	}
}

func TestStaleReusedRefreshReportsReuseNotExpiry(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	cfg := testConfig()
	cfg.Expiry.Family = time.Hour
	guard, clock := newTestGuardWithConfig(t, cfg, alice)

	issued, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := guard.Refresh(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	// The family is past its bound AND the credential was already consumed.
	// Reuse must win: it is the security signal.
	_, err = guard.Refresh(ctx, issued.RefreshToken)
	if !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("expected ErrRefreshTokenReuse, got %v", err)
	}
}

func TestExpiredRefreshCredentialIsNotReuse(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	cfg := testConfig()
	cfg.Expiry.Refresh = time.Hour
	cfg.Expiry.Access = 0
	guard, clock := newTestGuardWithConfig(t, cfg, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	clock.Advance(2 * time.Hour)

	_, err = guard.Refresh(ctx, token.RefreshToken)
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}

	// The family itself survives an expired credential.
	clock.Advance(-90 * time.Minute)
	if _, err := guard.Authenticate(ctx, token.AccessToken); err != nil {
		t.Fatalf("family should still be intact: %v", err)
	}
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if !guard.Logout(ctx, token.AccessToken) {
		t.Fatal("expected logout to revoke the family")
	}

	_, err = guard.Authenticate(ctx, token.AccessToken)
	if !errors.Is(err, ErrTokenFamilyNotFound) {
		t.Fatalf("expected ErrTokenFamilyNotFound after logout, got %v", err)
	}

	// Idempotent, and garbage never errors.
	if guard.Logout(ctx, token.AccessToken) {
		t.Fatal("second logout should be a no-op")
	}
	if guard.Logout(ctx, "garbage") {
		t.Fatal("logout with garbage should be a no-op")
	}
}

func TestRevokeByFamilyID(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	revoked, err := guard.Revoke(ctx, token.Family.FamilyID)
	if err != nil || !revoked {
		t.Fatalf("Revoke: revoked=%v err=%v", revoked, err)
	}

	_, err = guard.Refresh(ctx, token.RefreshToken)
	if !errors.Is(err, ErrTokenFamilyNotFound) {
		t.Fatalf("expected ErrTokenFamilyNotFound, got %v", err)
	}
}

func TestTokenCan(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{
		Scopes: []string{"orders.view[10]", "orders.list", "$reporting"},
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	access, err := guard.Authenticate(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	checks := []struct {
		permission string
		resource   string
		want       bool
	}{
		{"orders.view", "10", true},
		{"orders.view", "11", false},
		{"orders.view", "", false},
		{"orders.list", "", true},
		{"orders.list", "10", false},
		{"reports.view", "", true},
		{"reports.export", "99", true},
		{"users.manage", "", false},
	}
	for _, check := range checks {
		var got bool
		if check.resource == "" {
			got = access.TokenCan(check.permission)
		} else {
			got = access.TokenCan(check.permission, check.resource)
		}
		if got != check.want {
			t.Errorf("TokenCan(%q, %q) = %v, want %v", check.permission, check.resource, got, check.want)
		}
	}
}

func TestCanRequiresBothTokenAndPrincipal(t *testing.T) {
	ctx := context.Background()
	alice := &grantedUser{testUser{id: "alice", kind: "user", granted: []string{"orders.view"}}}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{
		Scopes: []string{"orders.view", "orders.delete"},
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	access, err := guard.Authenticate(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// In both the snapshot and the principal's current grants.
	ok, err := guard.Can(ctx, access, "orders.view")
	if err != nil || !ok {
		t.Fatalf("Can(orders.view) = %v, %v", ok, err)
	}

	// In the snapshot but no longer granted to the principal.
	ok, err = guard.Can(ctx, access, "orders.delete")
	if err != nil || ok {
		t.Fatalf("Can(orders.delete) = %v, %v; narrowed grant must deny", ok, err)
	}

	// Never in the snapshot.
	ok, err = guard.Can(ctx, access, "users.manage")
	if err != nil || ok {
		t.Fatalf("Can(users.manage) = %v, %v", ok, err)
	}
}

func TestCanWithoutScopeHolderUsesSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{Scopes: []string{"orders.view"}})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	access, err := guard.Authenticate(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	ok, err := guard.Can(ctx, access, "orders.view")
	if err != nil || !ok {
		t.Fatalf("Can = %v, %v", ok, err)
	}
}

func TestScopeChangesApplyOnNextRefresh(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	issued, err := guard.Issue(ctx, alice, IssueParams{Scopes: []string{"orders.view"}})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	access, err := guard.Authenticate(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !access.TokenCan("orders.view") {
		t.Fatal("issued scope missing from snapshot")
	}

	// Rotation re-mints from the family record, so the snapshot follows it.
	rotated, err := guard.Refresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	access, err = guard.Authenticate(ctx, rotated.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !access.TokenCan("orders.view") {
		t.Fatal("scope lost across rotation")
	}
}

func TestPruneExpired(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	cfg := testConfig()
	cfg.Expiry.Family = time.Hour
	guard, clock := newTestGuardWithConfig(t, cfg, alice)

	if _, err := guard.Issue(ctx, alice, IssueParams{Name: "stale"}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	clock.Advance(30 * time.Minute)

	keep, err := guard.Issue(ctx, alice, IssueParams{Name: "fresh"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	clock.Advance(45 * time.Minute)

	pruned, err := guard.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned family, got %d", pruned)
	}

	if _, err := guard.Refresh(ctx, keep.RefreshToken); err != nil {
		t.Fatalf("fresh family must survive the sweep: %v", err)
	}

	if got := guard.Metrics().Value(MetricFamiliesPruned); got != 1 {
		t.Fatalf("expected prune counter 1, got %d", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	ctx := context.Background()
	alice := &testUser{id: "alice", kind: "user"}
	guard, _ := newTestGuard(t, alice)

	token, err := guard.Issue(ctx, alice, IssueParams{})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := guard.Authenticate(ctx, token.AccessToken); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := guard.Authenticate(ctx, "garbage"); err == nil {
		t.Fatal("expected authenticate failure")
	}
	if _, err := guard.Refresh(ctx, token.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	snap := guard.Metrics().Snapshot()
	wants := map[MetricID]uint64{
		MetricIssued:              1,
		MetricAuthenticateSuccess: 1,
		MetricAuthenticateFailure: 1,
		MetricRefreshSuccess:      1,
	}
	for id, want := range wants {
		if snap.Counters[id] != want {
			t.Errorf("counter %d = %d, want %d", id, snap.Counters[id], want)
		}
	}
}
