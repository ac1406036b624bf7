// Command bootstrap-api-key mints the first API key for an address so the
// self-service /api-keys routes become reachable.
//
//	go run ./scripts/bootstrap-api-key.go -address 0xabc... -format json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/repository"
)

type minted struct {
	Address   string `json:"address"`
	KeyID     string `json:"key_id"`
	Key       string `json:"key"`
	KeyPrefix string `json:"key_prefix"`
	Tier      string `json:"rate_limit_tier"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap-api-key:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("bootstrap-api-key", flag.ContinueOnError)
	databaseURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (default $DATABASE_URL)")
	address := fs.String("address", "", "0x-prefixed address that will own the key")
	name := fs.String("name", "bootstrap", "label shown in key listings")
	tier := fs.String("tier", model.TierStandard, "rate limit tier: standard, guardian or unlimited")
	env := fs.String("env", auth.EnvLive, "key environment: live or test")
	format := fs.String("format", "plain", "output: plain prints only the key, json prints all fields")
	if err := fs.Parse(args); err != nil {
		return err
	}

	owner, err := model.ParseAddress(*address)
	switch {
	case *databaseURL == "":
		return errors.New("-database-url or DATABASE_URL is required")
	case err != nil:
		return fmt.Errorf("-address: %w", err)
	case !model.IsValidTier(*tier):
		return fmt.Errorf("-tier: unknown tier %q", *tier)
	case *env != auth.EnvLive && *env != auth.EnvTest:
		return fmt.Errorf("-env: must be %s or %s", auth.EnvLive, auth.EnvTest)
	case *format != "plain" && *format != "json":
		return fmt.Errorf("-format: must be plain or json")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := repository.New(ctx, *databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	generated, err := auth.GenerateAPIKey(*env, auth.DefaultParams)
	if err != nil {
		return err
	}
	key := &model.APIKey{
		ID:            ulid.Make().String(),
		Address:       owner,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		RateLimitTier: *tier,
		Name:          *name,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateAPIKey(ctx, key); err != nil {
		return err
	}

	if *format == "plain" {
		_, err = fmt.Fprintln(stdout, generated.Plaintext)
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(minted{
		Address:   owner.String(),
		KeyID:     key.ID,
		Key:       generated.Plaintext,
		KeyPrefix: key.KeyPrefix,
		Tier:      key.RateLimitTier,
	})
}
