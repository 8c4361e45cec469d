package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/auth"
	"github.com/alecgard/agentpay/internal/config"
)

var seedOwner string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo agents and print a developer token",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedOwner, "owner", "demo-developer", "developer id that owns the demo agents")
	rootCmd.AddCommand(seedCmd)
}

func demoAgents(owner string) []agent.CreateAgentInput {
	return []agent.CreateAgentInput{
		{
			OwnerID:     owner,
			Name:        "Summarizer",
			Description: "Summarizes documents. The first 5 uses per wallet are free, then 0.0005 ETH each.",
			FeeModel: agent.FeeModel{
				Type: agent.FeeModelFreeTier,
				FreeTier: &agent.FreeTierConfig{
					Threshold: 5,
					Rate:      decimal.RequireFromString("0.0005"),
				},
			},
		},
		{
			OwnerID:     owner,
			Name:        "Code Reviewer",
			Description: "Reviews pull requests for 10 credits per prompt.",
			FeeModel: agent.FeeModel{
				Type: agent.FeeModelCreditBased,
				Credits: &agent.CreditConfig{
					CreditsPerPrompt: 10,
					TopUpOptions: []agent.CreditTier{
						{CreditAmount: 100, PricePerCredit: decimal.RequireFromString("0.0001")},
						{CreditAmount: 1000, PricePerCredit: decimal.RequireFromString("0.00008")},
					},
				},
			},
		},
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.DriverPostgres {
		return fmt.Errorf("seed needs the postgres store, got %q", cfg.Store.Driver)
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	agentStore := agent.NewStore(pool)

	// Check if seed has already run.
	existing, _, err := agentStore.List(ctx, agent.AgentListParams{OwnerID: seedOwner, Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing agents: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed", "owner", seedOwner)
		return nil
	}

	var created []*agent.Agent
	for _, input := range demoAgents(seedOwner) {
		a, err := agentStore.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating agent %q: %w", input.Name, err)
		}
		slog.Info("created agent", "name", a.Name, "id", a.ID, "fee_model", a.FeeModel.Type)
		created = append(created, a)
	}

	token, err := verifier.IssueToken(seedOwner, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	for _, a := range created {
		fmt.Printf("Agent:     %s (%s, %s)\n", a.Name, a.ID, a.FeeModel.Type)
	}
	fmt.Printf("Developer: %s\n", seedOwner)
	fmt.Printf("Token:     %s\n", token)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/agents\n", token)
	fmt.Printf("  curl 'http://localhost:8080/api/v1/top-up-details?agentId=%s'\n", created[len(created)-1].ID)

	return nil
}
