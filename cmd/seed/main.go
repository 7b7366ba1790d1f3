package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/xtrntr/custody/internal/auth"
	"github.com/xtrntr/custody/internal/config"
	"github.com/xtrntr/custody/internal/db"
	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type demoAccount struct {
	username string
	balance  string
	holdings map[models.Symbol]string
}

var demoAccounts = []demoAccount{
	{username: "alice", balance: "50000", holdings: map[models.Symbol]string{models.BTC: "1", models.ETH: "10"}},
	{username: "bob", balance: "100000", holdings: map[models.Symbol]string{models.BTC: "2", models.ETH: "20"}},
}

const demoPassword = "password"

// seed funds the demo accounts, skipping any that already exist
func seed(ctx context.Context, accounts ledger.Accounts, authService *auth.AuthService, log *zap.Logger) (int, error) {
	created := 0
	for _, acct := range demoAccounts {
		_, err := accounts.GetUserByUsername(ctx, acct.username)
		if err == nil {
			log.Info("account already exists", zap.String("username", acct.username))
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return created, err
		}

		user, err := authService.Register(ctx, acct.username, demoPassword)
		if err != nil {
			return created, err
		}
		if err := accounts.Deposit(ctx, user.ID, decimal.RequireFromString(acct.balance)); err != nil {
			return created, fmt.Errorf("failed to fund %s: %w", acct.username, err)
		}
		for _, symbol := range models.Symbols {
			amount, ok := acct.holdings[symbol]
			if !ok {
				continue
			}
			if err := accounts.CreditAsset(ctx, user.ID, symbol, decimal.RequireFromString(amount)); err != nil {
				return created, fmt.Errorf("failed to credit %s to %s: %w", symbol, acct.username, err)
			}
		}
		log.Info("account seeded", zap.String("username", acct.username), zap.Int("user_id", user.ID))
		created++
	}
	return created, nil
}

// Seed the database with demo accounts
func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	log := zap.Must(zap.NewDevelopment())
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Database.Driver != config.DriverPostgres {
		log.Fatal("seeding needs the postgres driver", zap.String("driver", cfg.Database.Driver))
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		log.Fatal("failed to apply schema", zap.Error(err))
	}

	authService := auth.NewAuthService(database, auth.Config{JWTSecret: cfg.Auth.JWTSecret})
	created, err := seed(ctx, database, authService, log)
	if err != nil {
		log.Fatal("seeding failed", zap.Error(err))
	}
	fmt.Printf("Seeded %d demo account(s), password %q\n", created, demoPassword)
}
