// Package admission decides whether an authenticated user may bring a tunnel
// online, and under which name. It enforces plan capacity, the custom
// subdomain permission and name ownership, then commits the tunnel record
// and resets its usage counters.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/subdomain"
)

// generateAttempts bounds how often a generated name is redrawn when it
// collides with an existing record.
const generateAttempts = 3

// AccountStore is the durable user and tunnel record store.
type AccountStore interface {
	FindUser(ctx context.Context, id int64) (domain.User, error)
	ActiveTunnelCount(ctx context.Context, userID int64) (int, error)
	FindTunnel(ctx context.Context, name string) (domain.TunnelRecord, error)
	// ClaimTunnel creates or reactivates name for userID. It must fail with
	// [domain.ErrNameTaken] when the record belongs to someone else.
	ClaimTunnel(ctx context.Context, userID int64, name, url string, now time.Time) (domain.TunnelRecord, error)
	DeactivateTunnel(ctx context.Context, name string, now time.Time) error
}

// UsageStore holds the ephemeral per-tunnel counters.
type UsageStore interface {
	ResetUsage(ctx context.Context, name string, now time.Time) error
	DeleteUsage(ctx context.Context, name string) error
	IncrementUsage(ctx context.Context, name string, bytes int64, now time.Time) error
	Usage(ctx context.Context, name string) (domain.UsageStats, error)
}

// Registration is the outcome of a successful [Controller.Register].
type Registration struct {
	Name     string
	URL      string
	Plan     domain.Plan
	Warnings []string
}

// Controller serializes check-then-commit per user and per name so that
// concurrent registrations cannot both pass a check only one should pass.
type Controller struct {
	accounts   AccountStore
	usage      UsageStore
	rootDomain string
	log        *slog.Logger
	now        func() time.Time

	users keyLocks
	names keyLocks
}

func New(accounts AccountStore, usage UsageStore, rootDomain string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		accounts:   accounts,
		usage:      usage,
		rootDomain: rootDomain,
		log:        logger,
		now:        time.Now,
	}
}

// PublicURL returns the public origin of a tunnel name.
func (c *Controller) PublicURL(name string) string {
	return "https://" + name + "." + c.rootDomain
}

// Register admits a tunnel for userID. requested may be empty.
func (c *Controller) Register(ctx context.Context, userID int64, requested string) (Registration, error) {
	return c.RegisterBound(ctx, userID, requested, nil)
}

// RegisterBound is [Controller.Register] with a bind hook. bind runs after a
// successful commit while the name is still locked, so a concurrent
// [Controller.DeactivateUnless] for the same name observes either the state
// before the commit or the state after bind, never the gap between them.
// bind must not block.
func (c *Controller) RegisterBound(ctx context.Context, userID int64, requested string, bind func(name string)) (Registration, error) {
	unlockUser := c.users.lock(strconv.FormatInt(userID, 10))
	defer unlockUser()

	var (
		user   domain.User
		active int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := c.accounts.FindUser(gctx, userID)
		user = u
		return err
	})
	g.Go(func() error {
		n, err := c.accounts.ActiveTunnelCount(gctx, userID)
		active = n
		return err
	})
	if err := g.Wait(); err != nil {
		return Registration{}, err
	}

	now := c.now()
	plan := user.EffectivePlan(now)
	limits := plan.Limits()
	requested = subdomain.Normalize(requested)
	custom := requested != "" && limits.AllowCustomSubdomain

	if active >= limits.MaxActiveTunnels && !c.holdsActive(ctx, userID, requested, custom) {
		return Registration{}, fmt.Errorf("%w (%d active allowed)", domain.ErrCapacityExceeded, limits.MaxActiveTunnels)
	}

	var warnings []string
	if requested != "" && !limits.AllowCustomSubdomain {
		warnings = append(warnings, fmt.Sprintf(
			"Custom subdomains are not allowed on the %s plan. A random subdomain has been assigned.", plan))
	}

	if custom {
		name, err := subdomain.Allocate(requested, true)
		if err != nil {
			return Registration{}, err
		}
		unlockName := c.names.lock(name)
		defer unlockName()

		existing, err := c.accounts.FindTunnel(ctx, name)
		switch {
		case errors.Is(err, domain.ErrTunnelNotFound):
		case err != nil:
			return Registration{}, err
		case existing.UserID != userID:
			return Registration{}, &domain.TunnelError{Name: name, Op: "register", Err: domain.ErrNameTaken}
		default:
			warnings = append(warnings, fmt.Sprintf(
				"You are re-registering your existing subdomain %q. Your tunnel has been reactivated.", name))
		}
		return c.commit(ctx, userID, name, plan, warnings, now, bind)
	}

	for attempt := 1; ; attempt++ {
		name, err := subdomain.Generate()
		if err != nil {
			return Registration{}, err
		}
		reg, err := c.commitGenerated(ctx, userID, name, plan, warnings, now, bind)
		if errors.Is(err, domain.ErrNameTaken) && attempt < generateAttempts {
			c.log.Debug("generated subdomain collided, retrying", "tunnel", name, "attempt", attempt)
			continue
		}
		return reg, err
	}
}

// holdsActive reports whether the requested custom name is already an active
// tunnel of this user. Reactivating it does not take a new capacity slot.
func (c *Controller) holdsActive(ctx context.Context, userID int64, requested string, custom bool) bool {
	if !custom || !subdomain.Valid(requested) {
		return false
	}
	rec, err := c.accounts.FindTunnel(ctx, requested)
	return err == nil && rec.UserID == userID && rec.Active
}

func (c *Controller) commitGenerated(ctx context.Context, userID int64, name string, plan domain.Plan, warnings []string, now time.Time, bind func(string)) (Registration, error) {
	unlockName := c.names.lock(name)
	defer unlockName()

	_, err := c.accounts.FindTunnel(ctx, name)
	switch {
	case err == nil:
		return Registration{}, &domain.TunnelError{Name: name, Op: "generate", Err: domain.ErrNameTaken}
	case !errors.Is(err, domain.ErrTunnelNotFound):
		return Registration{}, err
	}
	return c.commit(ctx, userID, name, plan, warnings, now, bind)
}

// commit writes the tunnel record and resets usage together. Only the record
// write can fail the registration. The caller holds the name lock.
func (c *Controller) commit(ctx context.Context, userID int64, name string, plan domain.Plan, warnings []string, now time.Time, bind func(string)) (Registration, error) {
	url := c.PublicURL(name)

	var (
		wg       sync.WaitGroup
		usageErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		usageErr = c.usage.ResetUsage(ctx, name, now)
	}()
	_, claimErr := c.accounts.ClaimTunnel(ctx, userID, name, url, now)
	wg.Wait()

	if claimErr != nil {
		return Registration{}, claimErr
	}
	if usageErr != nil {
		c.log.Warn("usage reset failed", "tunnel", name, "err", usageErr)
	}
	if bind != nil {
		bind(name)
	}
	return Registration{Name: name, URL: url, Plan: plan, Warnings: warnings}, nil
}

// Deactivate marks the tunnel record inactive and drops its usage counters.
// Both writes are attempted regardless of the other's outcome.
func (c *Controller) Deactivate(ctx context.Context, name string) error {
	_, err := c.DeactivateUnless(ctx, name, nil)
	return err
}

// DeactivateUnless is [Controller.Deactivate] guarded by rebound, which is
// evaluated under the name lock. When it reports true the name has been
// taken over by a newer registration and nothing is written.
func (c *Controller) DeactivateUnless(ctx context.Context, name string, rebound func() bool) (bool, error) {
	unlockName := c.names.lock(name)
	defer unlockName()
	if rebound != nil && rebound() {
		return false, nil
	}

	now := c.now()
	var (
		wg                 sync.WaitGroup
		recordErr, dropErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		recordErr = c.accounts.DeactivateTunnel(ctx, name, now)
	}()
	go func() {
		defer wg.Done()
		dropErr = c.usage.DeleteUsage(ctx, name)
	}()
	wg.Wait()

	var errs []error
	if recordErr != nil {
		errs = append(errs, &domain.TunnelError{Name: name, Op: "deactivate", Err: recordErr})
	}
	if dropErr != nil {
		errs = append(errs, &domain.TunnelError{Name: name, Op: "delete usage", Err: dropErr})
	}
	return true, errors.Join(errs...)
}

// RecordUsage counts one forwarded request of the given body size. It fails
// with [domain.ErrTunnelNotFound] once the tunnel has been deactivated.
func (c *Controller) RecordUsage(ctx context.Context, name string, bytes int64) error {
	return c.usage.IncrementUsage(ctx, name, bytes, c.now())
}

// Usage returns the counters for name.
func (c *Controller) Usage(ctx context.Context, name string) (domain.UsageStats, error) {
	return c.usage.Usage(ctx, name)
}
