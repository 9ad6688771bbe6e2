// Command importcsv loads one exchange CSV export into a portfolio without going through HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/database"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/model"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/processors"
	"github.com/username/cryptofolio/backend/src/services"
)

const (
	dbFlagName              = "db"
	driverFlagName          = "driver"
	userIDFlagName          = "user-id"
	portfolioIDFlagName     = "portfolio-id"
	createPortfolioFlagName = "create-portfolio"
	sourceFlagName          = "source"
	fileFlagName            = "file"
	assetsFlagName          = "assets"
	logLevelFlagName        = "log-level"
	skipPricesFlagName      = "skip-prices"
)

type flags struct {
	DB              string
	Driver          string
	UserID          int64
	PortfolioID     int64
	CreatePortfolio string
	Source          string
	File            string
	Assets          string
	LogLevel        string
	SkipPrices      bool
}

// Bind registers the flag definitions with the given flag set.
func (f *flags) Bind(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.DB, dbFlagName, "./cryptofolio.db", "SQLite path or Postgres URL")
	flagSet.StringVar(&f.Driver, driverFlagName, "sqlite", "Database driver (sqlite or postgres)")
	flagSet.Int64Var(&f.UserID, userIDFlagName, 0, "Owner of the portfolio (required)")
	flagSet.Int64Var(&f.PortfolioID, portfolioIDFlagName, 0, "Target portfolio")
	flagSet.StringVar(&f.CreatePortfolio, createPortfolioFlagName, "", "Create a portfolio with this name instead of using --portfolio-id")
	flagSet.StringVar(&f.Source, sourceFlagName, "", "Source tag (kraken, cryptocom); detected from the header when empty")
	flagSet.StringVarP(&f.File, fileFlagName, "f", "", "CSV export to import (required)")
	flagSet.StringVar(&f.Assets, assetsFlagName, "", "Asset registry YAML overriding the embedded one")
	flagSet.StringVar(&f.LogLevel, logLevelFlagName, "warn", "Log level")
	flagSet.BoolVar(&f.SkipPrices, skipPricesFlagName, false, "Do not fetch historical USD prices")
}

func main() {
	f := &flags{}
	flagSet := pflag.NewFlagSet("importcsv", pflag.ContinueOnError)
	f.Bind(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, f); err != nil {
		fmt.Fprintln(os.Stderr, "importcsv:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	if f.UserID <= 0 {
		return fmt.Errorf("--%s is required", userIDFlagName)
	}
	if f.File == "" {
		return fmt.Errorf("--%s is required", fileFlagName)
	}
	if (f.PortfolioID > 0) == (f.CreatePortfolio != "") {
		return fmt.Errorf("exactly one of --%s and --%s is required", portfolioIDFlagName, createPortfolioFlagName)
	}
	logger.InitLoggerWithWriter(os.Stderr, f.LogLevel)

	registry := assets.MustDefault()
	if f.Assets != "" {
		var err error
		if registry, err = assets.LoadFile(f.Assets); err != nil {
			return err
		}
	}

	dialect, err := database.ParseDialect(f.Driver)
	if err != nil {
		return err
	}
	db, err := database.Open(dialect, f.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.RunMigrations(db, dialect); err != nil {
		return err
	}

	store := model.NewTransactionStore(db, dialect)
	portfolioID := f.PortfolioID
	if f.CreatePortfolio != "" {
		portfolio := &models.Portfolio{UserID: f.UserID, Name: f.CreatePortfolio}
		if err := store.CreatePortfolio(ctx, portfolio); err != nil {
			return fmt.Errorf("creating portfolio: %w", err)
		}
		portfolioID = portfolio.ID
	}

	var enricher processors.PriceEnricher
	if !f.SkipPrices {
		enricher = processors.NewPriceEnricher(services.NewPriceService(model.NewPriceStore(db, dialect)), registry)
	}
	ingestion := services.NewIngestionService(registry, services.NewImportService(store, enricher), nil, nil)

	file, err := os.Open(f.File)
	if err != nil {
		return err
	}
	defer file.Close()

	result, err := ingestion.IngestCSV(ctx, f.UserID, portfolioID, f.Source, file)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(struct {
		PortfolioID int64 `json:"portfolio_id"`
		*models.IngestResult
	}{portfolioID, result})
}
