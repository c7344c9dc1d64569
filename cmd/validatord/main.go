package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/config"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/audit"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/pipeline"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/registry"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/replay"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/sigverify"
	dytcrypto "github.com/DytallixHQ/Dytallix-sub009/crypto"
	"github.com/DytallixHQ/Dytallix-sub009/gateway/middleware"
	"github.com/DytallixHQ/Dytallix-sub009/gateway/routes"
	"github.com/DytallixHQ/Dytallix-sub009/mempool"
	"github.com/DytallixHQ/Dytallix-sub009/observability/logging"
	"github.com/DytallixHQ/Dytallix-sub009/oracle"
	"github.com/DytallixHQ/Dytallix-sub009/services/notifier"
	"github.com/DytallixHQ/Dytallix-sub009/state"
	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

const validatorPassEnv = "DYT_VALIDATOR_PASS"

const (
	queueSweepInterval = 10 * time.Minute
	slashSweepInterval = 10 * time.Minute
	dailyMaintenance   = 24 * time.Hour
)

// auditRecorder adapts the trail to the pipeline, which only needs to know
// whether recording succeeded.
type auditRecorder struct {
	trail *audit.Trail
}

func (a auditRecorder) Record(txHash string, assessment risk.Assessment, oracleID, requestID, priority string, metadata map[string]string) error {
	_, err := a.trail.Record(txHash, assessment, oracleID, requestID, priority, metadata)
	return err
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("validatord", cfg.Logging.Environment, logging.Options{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	db, err := storage.NewLevelDB(cfg.Node.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	privKey, err := loadValidatorKey(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to load validator key: %v", err))
	}
	logger.Info("validator identity resolved",
		"address", privKey.PubKey().Address().String(),
		"network", cfg.Node.NetworkName)

	reg, err := registry.New(cfg.Registry, db)
	if err != nil {
		panic(fmt.Sprintf("Failed to open oracle registry: %v", err))
	}
	replayCache, err := replay.NewCache(cfg.Replay)
	if err != nil {
		panic(fmt.Sprintf("Failed to build replay cache: %v", err))
	}
	// Blacklisting or slashing an oracle must also drop its cached verdicts,
	// otherwise the response cache keeps serving them until the TTL lapses.
	reg.SetInvalidator(replayCache)
	verifier := sigverify.New(cfg.Verifier, reg, replayCache)
	engine := risk.NewEngine(cfg.Risk)

	reviewNotifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to build notifier: %v", err))
	}
	defer closeNotifier()

	queue := reviewqueue.New(cfg.Queue, reviewNotifier)
	trail := audit.New(cfg.Audit.Config, db, reg, logger)
	scorer, err := oracle.NewClient(cfg.Oracle, nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to build oracle client: %v", err))
	}

	nonces := state.NewNonces(db)
	pool := mempool.New(cfg.Mempool, nonces)

	pipe, err := pipeline.New(cfg.Pipeline, pool, scorer, replayCache, verifier, engine, queue, auditRecorder{trail: trail}, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to build pipeline: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go trail.FlushLoop(ctx)
	go tickLoop(ctx, cfg.Node.TickInterval, pipe, nonces, logger)
	go maintenanceLoop(ctx, cfg, reg, replayCache, queue, trail, logger)

	server := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           buildGateway(cfg, queue, trail, pool, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("review gateway listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("Gateway server failed: %v", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("validator initialised and running")
	<-ctx.Done()
	if err := trail.Flush(); err != nil {
		logger.Warn("final audit flush failed", "error", err)
	}
	logger.Info("validator shutting down")
}

// tickLoop drives admission cycles and advances the nonce expectations of
// senders whose transactions made it into a block candidate.
func tickLoop(ctx context.Context, interval time.Duration, pipe *pipeline.Pipeline, nonces *state.Nonces, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := pipe.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("admission tick failed", "error", err)
				continue
			}
			for _, tx := range result.Proposed {
				if err := nonces.Advance(tx.From, tx.Nonce); err != nil {
					logger.Warn("nonce advance failed",
						"sender", hex.EncodeToString(tx.From), "error", err)
				}
			}
			if result.Approved+result.Queued+result.Rejected+result.Deferred > 0 {
				logger.Info("admission tick",
					"approved", result.Approved,
					"queued", result.Queued,
					"rejected", result.Rejected,
					"deferred", result.Deferred,
					"gas_used", result.GasUsed,
					"elapsed", result.Elapsed)
			}
		}
	}
}

// maintenanceLoop runs the periodic housekeeping: replay cache expiry, queue
// review timeouts, pending slash execution, daily reputation decay, and audit
// archival.
func maintenanceLoop(ctx context.Context, cfg *config.Config, reg *registry.Registry, cache *replay.Cache, queue *reviewqueue.Queue, trail *audit.Trail, logger *slog.Logger) {
	replayTicker := time.NewTicker(cfg.Replay.Normalise().CleanupInterval)
	queueTicker := time.NewTicker(queueSweepInterval)
	slashTicker := time.NewTicker(slashSweepInterval)
	dailyTicker := time.NewTicker(dailyMaintenance)
	defer replayTicker.Stop()
	defer queueTicker.Stop()
	defer slashTicker.Stop()
	defer dailyTicker.Stop()

	var archiver *audit.Archiver
	archiveInterval := cfg.Audit.ArchiveInterval
	if archiveInterval <= 0 {
		archiveInterval = dailyMaintenance
	}
	archiveTicker := time.NewTicker(archiveInterval)
	defer archiveTicker.Stop()
	if dir := strings.TrimSpace(cfg.Audit.ArchiveDir); dir != "" {
		archiver = audit.NewArchiver(trail, dir)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-replayTicker.C:
			nonces, responses := cache.CleanupExpired()
			if nonces+responses > 0 {
				logger.Debug("replay cache swept", "nonces", nonces, "responses", responses)
			}
		case <-queueTicker.C:
			if expired := queue.CleanupExpired(); expired > 0 {
				logger.Info("review entries expired", "count", expired)
			}
		case <-slashTicker.C:
			slashed, err := reg.ProcessPendingSlashes()
			if err != nil {
				logger.Warn("pending slash sweep failed", "error", err)
			} else if len(slashed) > 0 {
				logger.Info("pending slashes executed", "oracles", slashed)
			}
		case <-dailyTicker.C:
			decayed := reg.DailyMaintenance()
			logger.Info("registry daily maintenance", "oracles_decayed", decayed)
		case <-archiveTicker.C:
			if archiver == nil {
				continue
			}
			count, path, err := archiver.Run()
			if err != nil {
				logger.Warn("audit archive run failed", "error", err)
			} else if count > 0 {
				logger.Info("audit entries archived", "count", count, "file", path)
			}
		}
	}
}

func buildGateway(cfg *config.Config, queue *reviewqueue.Queue, trail *audit.Trail, pool *mempool.Pool, logger *slog.Logger) http.Handler {
	var auth *middleware.Authenticator
	if cfg.Gateway.Auth.Enabled {
		auth = middleware.NewAuthenticator(cfg.Gateway.Auth, logger)
	}
	var limiter *middleware.RateLimiter
	if len(cfg.Gateway.RateLimits) > 0 {
		limiter = middleware.NewRateLimiter(cfg.Gateway.RateLimits)
	}
	obs := middleware.NewObservability(cfg.Gateway.Observability, logger)

	return routes.New(routes.Config{
		Queue:         queue,
		Trail:         trail,
		Pool:          pool,
		Submitter:     pool,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		CORS:          cfg.Gateway.CORS,
		ReviewScopes:  cfg.Gateway.ReviewScopes,
		AuditScopes:   cfg.Gateway.AuditScopes,
	})
}

// buildNotifier selects webhook delivery when a manifest is configured and
// falls back to log-only notifications otherwise.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (reviewqueue.Notifier, func(), error) {
	manifestPath := strings.TrimSpace(cfg.Notifier.ManifestPath)
	if manifestPath == "" {
		return notifier.NewLogNotifier(logger), func() {}, nil
	}

	endpoints, err := notifier.LoadManifest(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load webhook manifest: %w", err)
	}

	journalPath := strings.TrimSpace(cfg.Notifier.JournalPath)
	if journalPath == "" {
		journalPath = filepath.Join(cfg.Node.DataDir, "deliveries.db")
	}
	journal, err := notifier.OpenJournal(journalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open delivery journal: %w", err)
	}

	opts := []notifier.Option{
		notifier.WithJournal(journal),
		notifier.WithLogger(logger),
	}
	if cfg.Notifier.MaxAttempts > 0 {
		opts = append(opts, notifier.WithRetryPolicy(cfg.Notifier.MaxAttempts, cfg.Notifier.InitialBackoff, cfg.Notifier.MaxBackoff))
	}
	dispatcher, err := notifier.NewDispatcher(endpoints, opts...)
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}

	closer := func() {
		dispatcher.Close()
		_ = journal.Close()
	}
	return dispatcher, closer, nil
}

func loadValidatorKey(cfg *config.Config) (*dytcrypto.PrivateKey, error) {
	if cfg.Node.ValidatorKMSURI != "" || cfg.Node.ValidatorKMSEnv != "" {
		return loadFromKMS(cfg)
	}

	if cfg.Node.ValidatorKeystorePath == "" {
		return nil, fmt.Errorf("validator keystore path not configured")
	}

	passphrase := os.Getenv(validatorPassEnv)
	key, err := dytcrypto.LoadFromKeystore(cfg.Node.ValidatorKeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.Node.ValidatorKeystorePath, err)
	}
	return key, nil
}

func loadFromKMS(cfg *config.Config) (*dytcrypto.PrivateKey, error) {
	envName := cfg.Node.ValidatorKMSEnv
	if envName == "" {
		return nil, fmt.Errorf("only environment-backed KMS is supported; set Node.ValidatorKMSEnv")
	}
	material := strings.TrimSpace(os.Getenv(envName))
	if material == "" {
		return nil, fmt.Errorf("%s environment variable not set", envName)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(material, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode validator key from %s: %w", envName, err)
	}
	return dytcrypto.PrivateKeyFromBytes(raw)
}
