package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/store/memory"
)

var generatedName = regexp.MustCompile(`^[a-z0-9]{10}$`)

// fakeAccounts is an in-memory AccountStore with the same ownership rules as
// the sqlite store.
type fakeAccounts struct {
	mu      sync.Mutex
	users   map[int64]domain.User
	tunnels map[string]domain.TunnelRecord

	claimErr      error
	deactivateErr error
	claims        atomic.Int32
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		users:   make(map[int64]domain.User),
		tunnels: make(map[string]domain.TunnelRecord),
	}
}

func (f *fakeAccounts) addUser(id int64, plan domain.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = domain.User{ID: id, Email: "u@example.com", Plan: plan}
}

func (f *fakeAccounts) addTunnel(name string, userID int64, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnels[name] = domain.TunnelRecord{Name: name, UserID: userID, Active: active}
}

func (f *fakeAccounts) FindUser(_ context.Context, id int64) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeAccounts) ActiveTunnelCount(_ context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tunnels {
		if t.UserID == userID && t.Active {
			n++
		}
	}
	return n, nil
}

func (f *fakeAccounts) FindTunnel(_ context.Context, name string) (domain.TunnelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tunnels[name]
	if !ok {
		return domain.TunnelRecord{}, domain.ErrTunnelNotFound
	}
	return t, nil
}

func (f *fakeAccounts) ClaimTunnel(_ context.Context, userID int64, name, url string, now time.Time) (domain.TunnelRecord, error) {
	f.claims.Add(1)
	if f.claimErr != nil {
		return domain.TunnelRecord{}, f.claimErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tunnels[name]
	if ok && t.UserID != userID {
		return domain.TunnelRecord{}, domain.ErrNameTaken
	}
	if !ok {
		t = domain.TunnelRecord{Name: name, UserID: userID, CreatedAt: now}
	}
	t.URL = url
	t.Active = true
	t.LastConnectedAt = &now
	f.tunnels[name] = t
	return t, nil
}

func (f *fakeAccounts) DeactivateTunnel(_ context.Context, name string, now time.Time) error {
	if f.deactivateErr != nil {
		return f.deactivateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tunnels[name]
	if !ok {
		return domain.ErrTunnelNotFound
	}
	t.Active = false
	t.DisconnectedAt = &now
	f.tunnels[name] = t
	return nil
}

type failingUsage struct{ *memory.UsageStore }

func (failingUsage) ResetUsage(context.Context, string, time.Time) error {
	return errors.New("redis down")
}

func (failingUsage) DeleteUsage(context.Context, string) error {
	return errors.New("redis down")
}

func newTestController(accounts AccountStore, usage UsageStore) *Controller {
	return New(accounts, usage, "t.example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterGeneratesNameWithoutRequest(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if !generatedName.MatchString(reg.Name) {
		t.Fatalf("expected generated name, got %q", reg.Name)
	}
	if reg.URL != "https://"+reg.Name+".t.example.com" {
		t.Fatalf("unexpected url %q", reg.URL)
	}
	if reg.Plan != domain.PlanFree {
		t.Fatalf("expected FREE plan, got %s", reg.Plan)
	}
	if len(reg.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", reg.Warnings)
	}
	if rec, err := accounts.FindTunnel(context.Background(), reg.Name); err != nil || !rec.Active {
		t.Fatalf("expected active record, got %+v err=%v", rec, err)
	}
}

func TestRegisterUnknownUser(t *testing.T) {
	t.Parallel()

	c := newTestController(newFakeAccounts(), memory.NewUsageStore())
	if _, err := c.Register(context.Background(), 42, "app"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRegisterCapacity(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	for i := 0; i < 4; i++ {
		accounts.addTunnel("busy"+string(rune('a'+i)), 1, true)
	}
	c := newTestController(accounts, memory.NewUsageStore())

	if _, err := c.Register(context.Background(), 1, ""); err != nil {
		t.Fatalf("one below the limit should succeed: %v", err)
	}
	_, err := c.Register(context.Background(), 1, "")
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded at the limit, got %v", err)
	}
	if !strings.Contains(err.Error(), "5 active allowed") {
		t.Fatalf("expected limit in message, got %q", err.Error())
	}
}

func TestRegisterInactiveTunnelsDoNotCount(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	for i := 0; i < 8; i++ {
		accounts.addTunnel("old"+string(rune('a'+i)), 1, false)
	}
	c := newTestController(accounts, memory.NewUsageStore())

	if _, err := c.Register(context.Background(), 1, ""); err != nil {
		t.Fatalf("inactive records must not consume capacity: %v", err)
	}
}

func TestRegisterCustomNameOnFreePlanFallsBack(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "myapp")
	if err != nil {
		t.Fatalf("custom name on FREE must not fail: %v", err)
	}
	if reg.Name == "myapp" || !generatedName.MatchString(reg.Name) {
		t.Fatalf("expected generated name, got %q", reg.Name)
	}
	if len(reg.Warnings) != 1 || !strings.Contains(reg.Warnings[0], "not allowed on the FREE plan") {
		t.Fatalf("expected plan warning, got %v", reg.Warnings)
	}
}

func TestRegisterCustomNameOnFreePlanIgnoresFormat(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "-bad-")
	if err != nil {
		t.Fatalf("invalid custom name on FREE still falls back: %v", err)
	}
	if !generatedName.MatchString(reg.Name) {
		t.Fatalf("expected generated name, got %q", reg.Name)
	}
}

func TestRegisterCustomName(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "  MyApp ")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Name != "myapp" {
		t.Fatalf("expected normalized custom name, got %q", reg.Name)
	}
	if reg.URL != "https://myapp.t.example.com" {
		t.Fatalf("unexpected url %q", reg.URL)
	}
	if len(reg.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", reg.Warnings)
	}
}

func TestRegisterInvalidCustomName(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanPro)
	c := newTestController(accounts, memory.NewUsageStore())

	for _, name := range []string{"-app", "app-", "my_app", strings.Repeat("a", 64)} {
		if _, err := c.Register(context.Background(), 1, name); !errors.Is(err, domain.ErrInvalidNameFormat) {
			t.Fatalf("%q: expected ErrInvalidNameFormat, got %v", name, err)
		}
	}
}

func TestRegisterNameOwnedByAnotherUser(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanPro)
	accounts.addTunnel("taken", 2, false)
	c := newTestController(accounts, memory.NewUsageStore())

	_, err := c.Register(context.Background(), 1, "taken")
	if !errors.Is(err, domain.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
	if accounts.claims.Load() != 0 {
		t.Fatal("expected no claim for a foreign name")
	}
}

func TestRegisterReactivatesOwnName(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	accounts.addTunnel("mine", 1, false)
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "mine")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Name != "mine" {
		t.Fatalf("expected mine, got %q", reg.Name)
	}
	if len(reg.Warnings) != 1 || !strings.Contains(reg.Warnings[0], "reactivated") {
		t.Fatalf("expected reactivation warning, got %v", reg.Warnings)
	}
}

func TestRegisterReactivatesWhileStillActiveAtCapacity(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	accounts.addTunnel("mine", 1, true)
	for i := 0; i < 9; i++ {
		accounts.addTunnel("other"+string(rune('a'+i)), 1, true)
	}
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "mine")
	if err != nil {
		t.Fatalf("re-registering an active own name must not fail: %v", err)
	}
	if len(reg.Warnings) != 1 || !strings.Contains(reg.Warnings[0], "reactivated") {
		t.Fatalf("expected reactivation warning, got %v", reg.Warnings)
	}

	if _, err := c.Register(context.Background(), 1, "fresh"); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("a new name at the limit must still fail, got %v", err)
	}
}

func TestRegisterConcurrentSameNameDifferentUsers(t *testing.T) {
	t.Parallel()

	for round := 0; round < 20; round++ {
		accounts := newFakeAccounts()
		accounts.addUser(1, domain.PlanPro)
		accounts.addUser(2, domain.PlanPro)
		c := newTestController(accounts, memory.NewUsageStore())

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, 2)
		)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = c.Register(context.Background(), int64(i+1), "race")
			}(i)
		}
		close(start)
		wg.Wait()

		ok, taken := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrNameTaken):
				taken++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || taken != 1 {
			t.Fatalf("round %d: expected one winner and one ErrNameTaken, got ok=%d taken=%d", round, ok, taken)
		}
	}
}

func TestRegisterConcurrentSameUserRespectsCapacity(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	c := newTestController(accounts, memory.NewUsageStore())

	const attempts = 12
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Register(context.Background(), 1, ""); err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, domain.ErrCapacityExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 5 {
		t.Fatalf("expected exactly 5 registrations on FREE, got %d", got)
	}
}

func TestRegisterExpiredSubscriptionUsesDefaultPlan(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	past := time.Now().Add(-time.Hour)
	accounts.users[1] = domain.User{ID: 1, Plan: domain.PlanPro, PlanExpiresAt: &past}
	c := newTestController(accounts, memory.NewUsageStore())

	reg, err := c.Register(context.Background(), 1, "custom")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Plan != domain.PlanFree || reg.Name == "custom" {
		t.Fatalf("expected FREE fallback with generated name, got %+v", reg)
	}
}

func TestRegisterResetsUsage(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	accounts.addTunnel("mine", 1, false)
	usage := memory.NewUsageStore()
	ctx := context.Background()
	_ = usage.IncrementUsage(ctx, "mine", 500, time.Now())

	c := newTestController(accounts, usage)
	if _, err := c.Register(ctx, 1, "mine"); err != nil {
		t.Fatal(err)
	}
	st, err := c.Usage(ctx, "mine")
	if err != nil {
		t.Fatal(err)
	}
	if st.Requests != 0 || st.Bytes != 0 {
		t.Fatalf("expected reset counters, got %+v", st)
	}
}

func TestRegisterUsageFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	c := newTestController(accounts, failingUsage{memory.NewUsageStore()})

	if _, err := c.Register(context.Background(), 1, ""); err != nil {
		t.Fatalf("usage reset failure must not fail registration: %v", err)
	}
}

func TestRegisterRecordFailureIsFatal(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanFree)
	accounts.claimErr = errors.New("disk full")
	c := newTestController(accounts, memory.NewUsageStore())

	if _, err := c.Register(context.Background(), 1, ""); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected record write error, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	usage := memory.NewUsageStore()
	c := newTestController(accounts, usage)
	ctx := context.Background()

	if _, err := c.Register(ctx, 1, "app"); err != nil {
		t.Fatal(err)
	}
	if err := c.Deactivate(ctx, "app"); err != nil {
		t.Fatal(err)
	}
	rec, _ := accounts.FindTunnel(ctx, "app")
	if rec.Active || rec.DisconnectedAt == nil {
		t.Fatalf("expected inactive record with disconnect time, got %+v", rec)
	}
	if _, err := usage.Usage(ctx, "app"); !errors.Is(err, domain.ErrTunnelNotFound) {
		t.Fatalf("expected usage entry removed, got %v", err)
	}
}

func TestDeactivateIsBestEffort(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addTunnel("app", 1, true)
	c := newTestController(accounts, failingUsage{memory.NewUsageStore()})

	err := c.Deactivate(context.Background(), "app")
	if err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("expected joined usage error, got %v", err)
	}
	rec, _ := accounts.FindTunnel(context.Background(), "app")
	if rec.Active {
		t.Fatal("record must be deactivated even when the usage delete fails")
	}
}

func TestDeactivateUnlessSkipsReboundName(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	usage := memory.NewUsageStore()
	c := newTestController(accounts, usage)
	ctx := context.Background()

	if _, err := c.Register(ctx, 1, "app"); err != nil {
		t.Fatal(err)
	}
	done, err := c.DeactivateUnless(ctx, "app", func() bool { return true })
	if err != nil || done {
		t.Fatalf("expected rebound name to be left alone, done=%v err=%v", done, err)
	}
	rec, _ := accounts.FindTunnel(ctx, "app")
	if !rec.Active {
		t.Fatal("record of a rebound tunnel must stay active")
	}
	if _, err := usage.Usage(ctx, "app"); err != nil {
		t.Fatalf("usage of a rebound tunnel must survive, got %v", err)
	}

	done, err = c.DeactivateUnless(ctx, "app", func() bool { return false })
	if err != nil || !done {
		t.Fatalf("expected deactivation, done=%v err=%v", done, err)
	}
	if rec, _ := accounts.FindTunnel(ctx, "app"); rec.Active {
		t.Fatal("expected record to be inactive")
	}
}

// A disconnect that has already released the name races a reconnect of the
// same owner. The bind hook and the rebound check share the name lock, so the
// final state always matches the live binding.
func TestRegisterBoundAndDeactivateUnlessRace(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	accounts.addUser(1, domain.PlanBasic)
	c := newTestController(accounts, memory.NewUsageStore())
	ctx := context.Background()

	for i := range 100 {
		if _, err := c.Register(ctx, 1, "app"); err != nil {
			t.Fatal(err)
		}

		var (
			mu    sync.Mutex
			bound bool
			wg    sync.WaitGroup
		)
		isBound := func() bool {
			mu.Lock()
			defer mu.Unlock()
			return bound
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.DeactivateUnless(ctx, "app", isBound)
		}()
		go func() {
			defer wg.Done()
			_, err := c.RegisterBound(ctx, 1, "app", func(string) {
				mu.Lock()
				bound = true
				mu.Unlock()
			})
			if err != nil {
				t.Errorf("iteration %d: register: %v", i, err)
			}
		}()
		wg.Wait()

		rec, _ := accounts.FindTunnel(ctx, "app")
		if !rec.Active {
			t.Fatalf("iteration %d: bound tunnel left inactive", i)
		}
	}
}

func TestRecordUsage(t *testing.T) {
	t.Parallel()

	usage := memory.NewUsageStore()
	c := newTestController(newFakeAccounts(), usage)
	ctx := context.Background()

	if err := c.RecordUsage(ctx, "app", 1); !errors.Is(err, domain.ErrTunnelNotFound) {
		t.Fatalf("expected usage for an unregistered tunnel to be rejected, got %v", err)
	}
	if err := usage.ResetUsage(ctx, "app", time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{10, 0, 32} {
		if err := c.RecordUsage(ctx, "app", n); err != nil {
			t.Fatal(err)
		}
	}
	st, err := c.Usage(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	if st.Requests != 3 || st.Bytes != 42 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.LastSeen.IsZero() {
		t.Fatal("expected last seen to be set")
	}
}
