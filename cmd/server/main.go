package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ccqtrade/engine/internal/api"
	"github.com/ccqtrade/engine/internal/config"
	"github.com/ccqtrade/engine/internal/db"
	"github.com/ccqtrade/engine/internal/exchange"
	"github.com/ccqtrade/engine/internal/maturity"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*wsClient]bool)
	clientsMu sync.RWMutex
)

type bookUpdate struct {
	FundID     string               `json:"fund_id"`
	BuyOrders  []exchange.BookOrder `json:"buy_orders"`
	SellOrders []exchange.BookOrder `json:"sell_orders"`
}

func broadcastBook(ex *exchange.Engine, fundID string, log *zap.Logger) {
	buys, sells := ex.Snapshot(fundID)
	data, err := json.Marshal(bookUpdate{FundID: fundID, BuyOrders: buys, SellOrders: sells})
	if err != nil {
		log.Error("failed to marshal order book", zap.Error(err))
		return
	}

	clientsMu.RLock()
	stale := make([]*wsClient, 0)
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			stale = append(stale, client)
		}
	}
	clientsMu.RUnlock()

	if len(stale) > 0 {
		clientsMu.Lock()
		for _, client := range stale {
			delete(clients, client)
		}
		clientsMu.Unlock()
	}
}

func broadcastAll(ex *exchange.Engine, log *zap.Logger) {
	for _, fundID := range ex.Funds() {
		broadcastBook(ex, fundID, log)
	}
}

func handleWebSocket(ex *exchange.Engine, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &wsClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		broadcastAll(ex, log)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				clientsMu.Lock()
				delete(clients, client)
				clientsMu.Unlock()
				break
			}
		}
	}
}

// Main entry point: sets up database, matching engine, maturity lifecycle
// and HTTP server.
func main() {
	logger, err := zap.NewProduction()
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

	engine := exchange.New(exchange.Config{
		MinMatchQuantity: cfg.MinMatchQuantity,
		MarketMakerOwner: cfg.MarketMakerOwner,
	}, logger)

	// Rebuild the books from pending orders; crossings that were persisted
	// but not matched before a restart execute now.
	open, err := database.OpenOrders(ctx)
	if err != nil {
		logger.Fatal("failed to load open orders", zap.Error(err))
	}
	for _, res := range engine.Load(open) {
		for i := range res.Pairs {
			if _, err := database.CreateMatchedPair(ctx, &res.Pairs[i]); err != nil {
				logger.Error("persist recovered pair failed", zap.Error(err))
			}
		}
		for i := range res.Updated {
			if err := database.UpdateOrderFill(ctx, &res.Updated[i]); err != nil {
				logger.Error("persist recovered fill failed", zap.Error(err))
			}
		}
	}
	logger.Info("order books rebuilt", zap.Int("open_orders", len(open)))

	notifier := maturity.NewWebhookNotifier(cfg.NotifyURL, logger)
	manager := maturity.New(maturity.Config{
		ExpireCutoffDays: cfg.ExpireCutoffDays,
		TokenSecret:      []byte(cfg.TokenSecret),
	}, database, engine, database, notifier, logger)

	handler := api.NewHandler(database, engine, manager, logger)
	handler.MarketMakerOwner = cfg.MarketMakerOwner
	handler.OnBookChange = func(fundID string) {
		broadcastBook(engine, fundID, logger)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/ws", handleWebSocket(engine, logger))
	handler.Routes(r)

	// Periodic order book broadcast.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			broadcastAll(engine, logger)
		}
	}()

	// Hourly maturity scan and expiry sweep; both are also triggerable over
	// the API for ops.
	go func() {
		ticker := time.NewTicker(time.Hour)
		for range ticker.C {
			now := time.Now()
			if sent, err := manager.Scan(ctx, now); err != nil {
				logger.Error("maturity scan failed", zap.Error(err))
			} else if sent > 0 {
				logger.Info("maturity scan complete", zap.Int("sent", sent))
			}
			if _, err := manager.ExpireStale(ctx, now); err != nil {
				logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}()

	logger.Info("starting server", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
