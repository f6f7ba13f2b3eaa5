package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"zengateway/config"
	"zengateway/internal/account"
	"zengateway/internal/money"
	"zengateway/internal/storage"
)

// seedFile is the YAML shape accepted by "dev seed". Amounts are USD.
type seedFile struct {
	Workspaces []struct {
		ID              string            `yaml:"id"`
		Name            string            `yaml:"name"`
		BalanceUSD      string            `yaml:"balance_usd"`
		PaymentMethodID string            `yaml:"payment_method_id"`
		MonthlyLimitUSD string            `yaml:"monthly_limit_usd"`
		Reload          bool              `yaml:"reload"`
		DisabledModels  []string          `yaml:"disabled_models"`
		Credentials     map[string]string `yaml:"provider_credentials"`
		Users           []struct {
			ID              string `yaml:"id"`
			MonthlyLimitUSD string `yaml:"monthly_limit_usd"`
			Keys            []struct {
				ID     string `yaml:"id"`
				Secret string `yaml:"secret"`
			} `yaml:"keys"`
		} `yaml:"users"`
	} `yaml:"workspaces"`
}

func init() {
	devCmd := &cobra.Command{
		Use:   "dev",
		Short: "Development helpers",
	}
	devCmd.AddCommand(&cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Write workspaces, users, keys and billing rows into the ledger",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeed,
	})
	rootCmd.AddCommand(devCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	fixture, err := parseSeedFile([]byte(config.ExpandEnv(string(raw))))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := storage.New(ctx, storage.Config{
		Type:   cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := account.NewFromStorage(ctx, store)
	if err != nil {
		return err
	}
	if err := ledger.Seed(ctx, *fixture); err != nil {
		return fmt.Errorf("seed ledger: %w", err)
	}
	slog.Info("ledger seeded",
		"workspaces", len(fixture.Workspaces),
		"users", len(fixture.Users),
		"keys", len(fixture.Keys),
	)
	return nil
}

func parseSeedFile(raw []byte) (*account.Fixture, error) {
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	f := &account.Fixture{}
	for _, w := range doc.Workspaces {
		if w.ID == "" {
			return nil, fmt.Errorf("workspace without id")
		}
		balance, err := money.ParseUSD(w.BalanceUSD)
		if err != nil {
			return nil, fmt.Errorf("workspace %s balance_usd: %w", w.ID, err)
		}
		limit, err := optionalUSD(w.MonthlyLimitUSD)
		if err != nil {
			return nil, fmt.Errorf("workspace %s monthly_limit_usd: %w", w.ID, err)
		}

		f.Workspaces = append(f.Workspaces, account.Workspace{ID: w.ID, Name: w.Name})
		f.Billing = append(f.Billing, account.Billing{
			WorkspaceID:     w.ID,
			Balance:         balance,
			PaymentMethodID: w.PaymentMethodID,
			MonthlyLimit:    limit,
			Reload:          w.Reload,
		})
		for _, m := range w.DisabledModels {
			f.Disablement = append(f.Disablement, account.Disablement{WorkspaceID: w.ID, Model: m})
		}
		for provider, creds := range w.Credentials {
			f.Credentials = append(f.Credentials, account.ProviderCredential{
				WorkspaceID: w.ID, Provider: provider, Credentials: creds,
			})
		}
		for _, u := range w.Users {
			userLimit, err := optionalUSD(u.MonthlyLimitUSD)
			if err != nil {
				return nil, fmt.Errorf("user %s monthly_limit_usd: %w", u.ID, err)
			}
			f.Users = append(f.Users, account.User{ID: u.ID, WorkspaceID: w.ID, MonthlyLimit: userLimit})
			for _, k := range u.Keys {
				f.Keys = append(f.Keys, account.Key{ID: k.ID, WorkspaceID: w.ID, UserID: u.ID, Secret: k.Secret})
			}
		}
	}
	return f, nil
}

func optionalUSD(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := money.ParseUSD(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
