// agentpayd serves session keys, sponsored transfers and escrow over HTTP,
// optionally exposing the same operations as MCP tools on stdio.
//
// Usage:
//
//	agentpayd --config agentpay.yaml [--log-level debug] [--mcp]
//	agentpayd attest --key HEX --task ID --attestation ID --provider ADDR
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/config"
	"github.com/x402-foundation/agentpay/escrow"
	relayhttp "github.com/x402-foundation/agentpay/http"
	"github.com/x402-foundation/agentpay/mcp"
	"github.com/x402-foundation/agentpay/pkg/api"
	"github.com/x402-foundation/agentpay/session"
	"github.com/x402-foundation/agentpay/signers/evm"
	"github.com/x402-foundation/agentpay/sponsor"
	"github.com/x402-foundation/agentpay/store"
)

const sweepBatch = 100

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "attest" {
		err = runAttest(os.Args[2:], os.Stdout)
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, logLevel, mcpCaller string
	var serveMCP bool

	flagSet := pflag.NewFlagSet("agentpayd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "agentpay.yaml", "path to the YAML configuration")
	flagSet.StringVar(&logLevel, "log-level", "", "override log_level from the configuration")
	flagSet.BoolVar(&serveMCP, "mcp", false, "also serve MCP tools on stdin/stdout")
	flagSet.StringVar(&mcpCaller, "mcp-caller", "", "principal address MCP tools act for (default: first principal key)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	// stdout belongs to the MCP transport when it is enabled.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(d.authority, d.coordinator, d.engine, cfg.Decimals(), api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 2)
	go func() {
		logger.Info("http api listening", "addr", cfg.HTTP.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	if serveMCP {
		if mcpCaller == "" && len(d.principals) > 0 {
			mcpCaller = d.principals[0]
		}
		tools := mcp.NewServer(d.authority, d.coordinator, d.engine, cfg.Decimals(),
			mcp.WithCaller(mcpCaller), mcp.WithLogger(logger))
		go func() {
			logger.Info("mcp tools serving on stdio", "caller", mcpCaller)
			if err := tools.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	go d.sweep(ctx, cfg.Escrow.SweepInterval)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errs:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr)
	}
	return err
}

type daemon struct {
	stores      *store.Stores
	authority   *session.Authority
	coordinator *sponsor.Coordinator
	engine      *escrow.Engine
	principals  []string
	logger      *slog.Logger
}

func build(ctx context.Context, cfg *config.File, logger *slog.Logger) (*daemon, error) {
	core, err := cfg.Core(logger)
	if err != nil {
		return nil, err
	}

	custodian, err := evm.Dial(ctx, cfg.RPCURL, cfg.Keys.CustodianKey, cfg.Token.Address)
	if err != nil {
		return nil, fmt.Errorf("custodian ledger: %w", err)
	}
	owners := agentpay.NewStaticLedgers()
	var principals []string
	for i, key := range cfg.Keys.PrincipalKeys {
		ledger, err := evm.Dial(ctx, cfg.RPCURL, key, cfg.Token.Address)
		if err != nil {
			return nil, fmt.Errorf("principal key %d: %w", i, err)
		}
		owners.Add(ledger)
		principals = append(principals, ledger.Address())
	}

	var gasPrice agentpay.GasPriceOracle = custodian
	fixed, err := cfg.FixedGasPrice()
	if err != nil {
		return nil, err
	}
	if fixed != nil {
		gasPrice = agentpay.FixedGasPrice{Wei: fixed}
	}

	stores, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	keys, err := session.NewSealedKeystore(stores.Blobs, cfg.Keys.AgeIdentity)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	relay, err := relayhttp.NewRelayClient(relayhttp.RelayConfig{
		URL:          cfg.Relay.URL,
		Timeout:      cfg.Relay.Timeout,
		AuthProvider: relayAuth(cfg),
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	authority := session.NewAuthority(stores.Sessions, keys, owners,
		session.WithLogger(logger.With("component", "session")),
		session.WithEventSink(stores.Events))
	coordinator := sponsor.NewCoordinator(core, authority, custodian, relay, gasPrice, stores.Payments,
		sponsor.WithGasUnits(cfg.Fees.GasUnits),
		sponsor.WithStaleAfter(cfg.Fees.StaleAfter),
		sponsor.WithLogger(logger.With("component", "sponsor")),
		sponsor.WithEventSink(stores.Events))
	engine := escrow.NewEngine(core, custodian, owners, stores.Tasks,
		escrow.WithArbiter(cfg.Escrow.Arbiter),
		escrow.WithLogger(logger.With("component", "escrow")),
		escrow.WithEventSink(stores.Events))

	logger.Info("agentpayd ready",
		"network", cfg.Network,
		"token", cfg.Token.Address,
		"custodian", custodian.Address(),
		"principals", len(principals),
		"attestation", string(cfg.Attestation.Kind))

	return &daemon{
		stores:      stores,
		authority:   authority,
		coordinator: coordinator,
		engine:      engine,
		principals:  principals,
		logger:      logger,
	}, nil
}

func relayAuth(cfg *config.File) relayhttp.AuthProvider {
	if cfg.Relay.APIKey == "" {
		return nil
	}
	return relayhttp.StaticAuth{Header: cfg.Relay.APIKeyHeader, Value: cfg.Relay.APIKey}
}

// sweep reconciles pending payments and unconfirmed escrow locks, refunds
// expired auto-refund escrows and re-drives unsettled payouts until ctx is
// done. Each round is bounded by the interval so an unmined transaction
// cannot stall later rounds.
func (d *daemon) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		roundCtx, cancel := context.WithTimeout(ctx, interval)
		d.sweepOnce(roundCtx)
		cancel()
	}
}

func (d *daemon) sweepOnce(ctx context.Context) {
	if n, err := d.coordinator.ReconcilePending(ctx, sweepBatch); err != nil {
		d.logger.Error("reconcile payments", "error", err)
	} else if n > 0 {
		d.logger.Info("reconciled payments", "count", n)
	}
	if n, err := d.engine.ReconcileLocks(ctx, sweepBatch); err != nil {
		d.logger.Error("reconcile escrow locks", "error", err)
	} else if n > 0 {
		d.logger.Info("reconciled escrow locks", "count", n)
	}
	if n, err := d.engine.SweepExpired(ctx, sweepBatch); err != nil {
		d.logger.Error("sweep expired escrows", "error", err)
	} else if n > 0 {
		d.logger.Info("refunded expired escrows", "count", n)
	}
	if n, err := d.engine.SettlePending(ctx, sweepBatch); err != nil {
		d.logger.Error("settle escrow payouts", "error", err)
	} else if n > 0 {
		d.logger.Info("settled escrow payouts", "count", n)
	}
}

func (d *daemon) close() {
	if err := d.stores.Close(); err != nil {
		d.logger.Error("close database", "error", err)
	}
}
