package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/arbiter"
	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/events"
	"escrowflow/httpapi"
	"escrowflow/idempotency"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	panelSize := dispute.DefaultPanelSize
	if raw := os.Getenv("PANEL_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid PANEL_SIZE %q", raw)
		}
		panelSize = n
	}

	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	hub := events.NewHub()
	outboxWriter := outbox.NewWriter()

	auditRepo := audit.NewRepository(pool)
	var anchorClient audit.AnchorClient
	if anchorURL := os.Getenv("ANCHOR_URL"); anchorURL != "" {
		anchorClient = &httpAnchorClient{url: anchorURL, client: &http.Client{Timeout: 10 * time.Second}}
	}
	auditService := audit.NewService(auditRepo, anchorClient)

	escrowRepo := escrow.NewRepository(pool)
	escrowService := escrow.NewService(pool, escrowRepo, auditRepo, outboxWriter)

	disputeRepo := dispute.NewRepository(pool)
	coordinator := settlement.NewCoordinator(pool, escrowService, disputeRepo, auditRepo, outboxWriter)
	disputeService := dispute.NewService(pool, disputeRepo, escrowService, auditRepo, outboxWriter, coordinator, hub).
		WithPanelSize(panelSize)

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	arbiterService := arbiter.NewService(arbiter.NewRepository(pool))

	dispatcher := outbox.NewDispatcher(pool, logger).
		WithNotifier(&logNotifier{logger: logger}).
		WithReputation(arbiterService).
		WithSettlements(coordinator)
	if anchorClient != nil {
		dispatcher = dispatcher.WithAnchorer(&anchorAdapter{audits: auditService})
	}

	api := httpapi.New(httpapi.Config{
		Escrows:     escrowService,
		Disputes:    disputeService,
		Audits:      auditService,
		Auth:        authService,
		Arbiters:    arbiterService,
		Settlements: coordinator,
		Idempotency: idempotency.NewStore(pool),
		Hub:         hub,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("api listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// logNotifier is the default notification sink: structured log lines instead
// of a real delivery channel. Swap it for a provider client in deployment.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Notify(ctx context.Context, topic string, payload map[string]any) error {
	n.logger.Info("notification", "topic", topic, "payload", payload)
	return nil
}

// anchorAdapter bridges the audit service to the dispatcher's Anchorer.
type anchorAdapter struct {
	audits *audit.Service
}

func (a *anchorAdapter) Anchor(ctx context.Context, subjectID string) error {
	_, err := a.audits.Anchor(ctx, subjectID)
	return err
}

// httpAnchorClient submits chain-head digests to an external notarization
// endpoint.
type httpAnchorClient struct {
	url    string
	client *http.Client
}

func (c *httpAnchorClient) Anchor(ctx context.Context, digest string) (string, error) {
	body, err := json.Marshal(map[string]string{"digest": digest})
	if err != nil {
		return "", fmt.Errorf("anchor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anchor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor: submit digest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("anchor: endpoint returned %s", resp.Status)
	}

	var result struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("anchor: decode response: %w", err)
	}
	if result.Reference == "" {
		return "", fmt.Errorf("anchor: endpoint returned empty reference")
	}
	return result.Reference, nil
}
