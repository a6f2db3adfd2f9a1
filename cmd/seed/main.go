package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ccqtrade/engine/internal/config"
	"github.com/ccqtrade/engine/internal/db"
	"github.com/ccqtrade/engine/internal/models"
)

// Seed the database with demo data: a fund quote and a handful of orders.
func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Don't reseed a populated database.
	pairs, err := database.FundPairs(ctx, "VFF01", 1)
	if err == nil && len(pairs) > 0 {
		fmt.Println("Database already seeded.")
		os.Exit(0)
	}

	today := time.Now().Truncate(24 * time.Hour)
	if err := database.UpsertFundQuote(ctx, &models.FundQuote{
		FundID:              "VFF01",
		QuoteDate:           today,
		OpeningAveragePrice: 10000,
		CapitalCostPercent:  2,
	}); err != nil {
		logger.Fatal("failed to seed quote", zap.Error(err))
	}

	orders := []*models.Order{
		{FundID: "VFF01", OwnerID: 100, Side: models.SideBuy, Price: 10000, Quantity: 500, TermMonths: 12, InterestRate: 8},
		{FundID: "VFF01", OwnerID: 101, Side: models.SideBuy, Price: 9900, Quantity: 200, TermMonths: 6, InterestRate: 7},
		{FundID: "VFF01", OwnerID: 102, Side: models.SideSell, Price: 10100, Quantity: 300},
	}
	for _, o := range orders {
		if _, err := database.CreateOrder(ctx, o); err != nil {
			logger.Fatal("failed to seed order", zap.Error(err))
		}
	}

	fmt.Println("Seeded 1 fund quote and 3 orders.")
}
