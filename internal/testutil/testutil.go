// Package testutil holds fixtures shared by unit and integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guardianvault/recoveryd/internal/model"
)

// IntegrationEnv returns the value of key, skipping the test in short mode
// or when the variable is unset.
func IntegrationEnv(t testing.TB, key string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

// Packages run in parallel against one database; they serialize on this
// advisory lock.
const schemaLockID int64 = 0x7265636f76 // "recov"

// LockDatabase holds the schema lock until the test ends.
func LockDatabase(t testing.TB, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		conn.Release()
		t.Fatalf("acquire advisory lock: %v", err)
	}
	t.Cleanup(func() {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", schemaLockID); err != nil {
			t.Logf("release advisory lock: %v", err)
		}
	})
}

// ResetSchema runs every down migration newest first, then every up
// migration oldest first.
func ResetSchema(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join(projectRoot(), "migrations")
	ups, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return err
	}
	slices.Sort(ups)

	downs := make([]string, 0, len(ups))
	for _, up := range ups {
		downs = append(downs, strings.TrimSuffix(up, ".up.sql")+".down.sql")
	}
	slices.Reverse(downs)

	for _, path := range append(downs, ups...) {
		sql, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// FlushRedis empties the selected Redis database or fails the test.
func FlushRedis(t testing.TB, client *redis.Client) {
	t.Helper()
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
}

func projectRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// Addr returns a deterministic, valid, non-zero address for n >= 1.
func Addr(n int) model.Address {
	return model.MustParseAddress(fmt.Sprintf("0x%040x", n))
}

// NewTestAccount returns a Secure account owned by owner with the given
// guardians active.
func NewTestAccount(t testing.TB, owner model.Address, guardians ...model.Address) *model.AccountRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := &model.AccountRecord{
		ID:        UniqueID("acct"),
		Owner:     owner,
		Phase:     model.PhaseSecure,
		Guardians: make([]model.Guardian, 0, len(guardians)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, g := range guardians {
		rec.Guardians = append(rec.Guardians, model.Guardian{
			Address: g,
			Label:   fmt.Sprintf("guardian-%d", i+1),
			Status:  model.GuardianActive,
			AddedAt: now,
		})
	}
	return rec
}

// NewTestAPIKey returns an unsaved standard-tier key bound to address.
// Hash and prefix are unique but do not correspond to any plaintext.
func NewTestAPIKey(t testing.TB, address model.Address) *model.APIKey {
	t.Helper()
	id := ulid.Make().String()
	return &model.APIKey{
		ID:            id,
		Address:       address,
		KeyHash:       "hash-" + id,
		KeyPrefix:     strings.ToLower(id[len(id)-6:]),
		RateLimitTier: model.TierStandard,
		Name:          "test key",
		CreatedAt:     time.Now().UTC(),
	}
}

// UniqueID returns prefix joined to a fresh ULID.
func UniqueID(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}
