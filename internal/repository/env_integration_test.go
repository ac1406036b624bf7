//go:build integration

package repository_test

import (
	"context"
	"testing"

	"github.com/guardianvault/recoveryd/internal/repository"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

// newTestEnv connects to TEST_DATABASE_URL and rebuilds the schema under
// the shared lock.
func newTestEnv(t *testing.T) (context.Context, *repository.Repository) {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(ctx, testutil.IntegrationEnv(t, "TEST_DATABASE_URL"))
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(repo.Close)

	testutil.LockDatabase(t, repo.Pool())
	if err := testutil.ResetSchema(ctx, repo.Pool()); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return ctx, repo
}
