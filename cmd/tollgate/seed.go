package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/auth"
	"github.com/alecgard/tollgate/internal/config"
	"github.com/alecgard/tollgate/internal/crypto"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo user, agent and allowance key",
	RunE:  runSeed,
}

var seedProviderKeyEnv string

func init() {
	seedCmd.Flags().StringVar(&seedProviderKeyEnv, "provider-key-env", "OPENAI_API_KEY",
		"environment variable holding the upstream provider key for the demo user")
	rootCmd.AddCommand(seedCmd)
}

var demoPolicy = agent.UpsertPolicyInput{
	BalanceCents:     500,
	AllowedModels:    []string{"gpt-4o-mini", "gpt-4o"},
	BreakerThreshold: 5,
	VelocityWindow:   time.Minute,
	VelocityCapCents: 100,
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := agent.NewStore(pool)
	hasher, err := auth.NewHasher(cfg.Security.MasterSecret)
	if err != nil {
		return err
	}

	existing, _, err := store.List(ctx, agent.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing agents: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	u, err := store.CreateUser(ctx, "demo@tollgate.local")
	if err != nil {
		return fmt.Errorf("creating demo user: %w", err)
	}
	slog.Info("created demo user", "id", u.ID)

	providerKey := os.Getenv(seedProviderKeyEnv)
	switch {
	case providerKey == "":
		slog.Warn("no provider key in environment; completions will fail with missing_provider_key", "env", seedProviderKeyEnv)
	case cfg.Security.EncryptionKey == "":
		slog.Warn("security.encryption_key is not set; provider key not stored")
	default:
		cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
		if err != nil {
			return err
		}
		blob, err := cipher.Seal(providerKey, u.ID)
		if err != nil {
			return fmt.Errorf("sealing provider key: %w", err)
		}
		if err := store.SetProviderCredential(ctx, u.ID, blob); err != nil {
			return fmt.Errorf("storing provider key: %w", err)
		}
		slog.Info("stored provider key for demo user", "id", u.ID)
	}

	ag, err := store.CreateAgent(ctx, agent.CreateAgentInput{UserID: u.ID, Name: "demo-agent"})
	if err != nil {
		return fmt.Errorf("creating demo agent: %w", err)
	}
	if _, err := store.UpsertPolicy(ctx, ag.ID, demoPolicy); err != nil {
		return fmt.Errorf("setting demo policy: %w", err)
	}

	key, plaintext, err := auth.GenerateKey(hasher)
	if err != nil {
		return fmt.Errorf("generating allowance key: %w", err)
	}
	if _, err := store.InsertKey(ctx, ag.ID, key.Hash, key.Prefix); err != nil {
		return fmt.Errorf("storing allowance key: %w", err)
	}
	slog.Info("created demo agent", "id", ag.ID, "name", ag.Name, "key_prefix", key.Prefix)

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Agent:     %s (%s)\n", ag.Name, ag.ID)
	fmt.Printf("Balance:   %d cents\n", demoPolicy.BalanceCents)
	fmt.Printf("Key:       %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -H 'Content-Type: application/json' \\\n", plaintext)
	fmt.Printf("    -d '{\"model\":\"gpt-4o-mini\",\"max_tokens\":64,\"messages\":[{\"role\":\"user\",\"content\":\"hi\"}]}' \\\n")
	fmt.Printf("    http://%s/v1/chat/completions\n", cfg.Addr())

	return nil
}
