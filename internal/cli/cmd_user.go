package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/hcodes/tunnel/internal/auth"
	"github.com/hcodes/tunnel/internal/config"
	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/store/sqlite"
)

func runUserAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tunnel user <add|plan> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runUserAdd(ctx, args[1:])
	case "plan":
		return runUserPlan(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown user command:", args[0])
		return 2
	}
}

func runUserAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-add", flag.ContinueOnError)
	config.AddCommonFlags(fs)
	fs.String("email", "", "account email")
	fs.String("password", "", "account password (6-15 characters)")
	ko, err := config.Load(fs, args)
	if err != nil {
		return 2
	}
	email, password := ko.String("email"), ko.String("password")
	if err := auth.ValidateCredentials(email, password); err != nil {
		fmt.Fprintln(os.Stderr, "user add error:", err)
		return 2
	}

	store, code := openStore(ko.String("db"))
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "user add error:", err)
		return 1
	}
	user, err := store.CreateUser(ctx, email, hash)
	if err != nil {
		fmt.Fprintln(os.Stderr, "user add error:", err)
		return 1
	}
	fmt.Println("id:", user.ID)
	fmt.Println("email:", user.Email)
	return 0
}

func runUserPlan(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-plan", flag.ContinueOnError)
	config.AddCommonFlags(fs)
	fs.Int64("id", 0, "user id")
	fs.String("plan", "", "plan: FREE|BASIC|PRO|ENTERPRISE")
	fs.String("expires", "", "subscription expiry (RFC 3339); never when empty")
	ko, err := config.Load(fs, args)
	if err != nil {
		return 2
	}
	id := ko.Int64("id")
	if id <= 0 {
		fmt.Fprintln(os.Stderr, "user plan error: missing --id")
		return 2
	}
	plan, ok := domain.ParsePlan(ko.String("plan"))
	if !ok {
		fmt.Fprintln(os.Stderr, "user plan error: unknown plan", ko.String("plan"))
		return 2
	}
	expiresAt, err := parseExpiry(ko.String("expires"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "user plan error:", err)
		return 2
	}

	store, code := openStore(ko.String("db"))
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.UpsertSubscription(ctx, id, plan, expiresAt); err != nil {
		fmt.Fprintln(os.Stderr, "user plan error:", err)
		return 1
	}
	fmt.Println("plan:", plan)
	return 0
}

func runToken(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	config.AddCommonFlags(fs)
	fs.String("email", "", "account email")
	fs.String("password", "", "account password")
	ko, err := config.Load(fs, args)
	if err != nil {
		return 2
	}
	secret := ko.String("jwt-secret")
	if strings.TrimSpace(secret) == "" {
		fmt.Fprintln(os.Stderr, "token error: missing --jwt-secret or TUNNEL_JWT_SECRET")
		return 2
	}

	store, code := openStore(ko.String("db"))
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	token, err := issueToken(ctx, store, auth.NewTokens(secret), ko.String("email"), ko.String("password"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

var errBadCredentials = errors.New("invalid email or password")

func issueToken(ctx context.Context, store *sqlite.Store, tokens *auth.Tokens, email, password string) (string, error) {
	user, err := store.FindUserByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		return "", errBadCredentials
	}
	if err != nil {
		return "", err
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return "", errBadCredentials
	}
	return tokens.Issue(domain.Principal{ID: user.ID, Email: user.Email})
}

func parseExpiry(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid --expires: %w", err)
	}
	return &t, nil
}

func openStore(path string) (*sqlite.Store, int) {
	if strings.TrimSpace(path) == "" {
		fmt.Fprintln(os.Stderr, "db error: missing --db or TUNNEL_DB")
		return nil, 2
	}
	store, err := sqlite.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
