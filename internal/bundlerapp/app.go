// Package bundlerapp owns the process-wide Services container (spec §9's
// design note on global mutable state becoming explicit wiring): every
// component is constructed here, handed its collaborators, and torn down on
// shutdown with queue drain and store disconnect, the way
// services/payments-gateway/main.go bootstraps its gateway.
package bundlerapp

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ar-io/x402-bundler/internal/admission"
	"github.com/ar-io/x402-bundler/internal/config"
	"github.com/ar-io/x402-bundler/internal/cursorstore"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/httpapi"
	"github.com/ar-io/x402-bundler/internal/janitor"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/multipart"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/pipeline"
	"github.com/ar-io/x402-bundler/internal/pricing"
	"github.com/ar-io/x402-bundler/internal/queue"
	"github.com/ar-io/x402-bundler/internal/receipt"
	"github.com/ar-io/x402-bundler/internal/sqlstore"
	"github.com/ar-io/x402-bundler/internal/x402"
)

// Services is the process-wide container wiring every bundler component.
type Services struct {
	Log     *slog.Logger
	Store   *sqlstore.Store
	Objects objectstore.Store

	Queue     *queue.Queue
	Scheduler *queue.Scheduler
	Cursors   *cursorstore.Store

	Oracle *pricing.Oracle
	Quoter *pricing.Quoter

	Ledger    *ledger.Ledger
	Assembler *dataitem.Assembler
	Receipts  *receipt.Signer

	Admission *admission.Controller
	Multipart *multipart.Coordinator
	Pipeline  *pipeline.Stages
	PipeStore *pipeline.Store
	Janitor   *janitor.Janitor

	HTTP *http.Server

	cfg     *config.Config
	workers []*queue.Worker
}

// New wires the full Services container from resolved configuration. chain
// and seeder are the deployment-specific external collaborators (spec §1);
// pass nil to fall back to the loopback dev implementations.
func New(cfg *config.Config, chain pipeline.ChainClient, seeder pipeline.ChunkSeeder, log *slog.Logger) (*Services, error) {
	if log == nil {
		log = slog.Default()
	}

	walletKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bundlerapp: parse wallet key: %w", err)
	}

	store, err := sqlstore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("bundlerapp: open sql store: %w", err)
	}
	objects, err := objectstore.NewFSStore(cfg.ObjectStoreDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bundlerapp: open object store: %w", err)
	}

	var queueOpts []queue.Option
	for name, qc := range cfg.Topology.Queues {
		if qc.MaxAttempts > 0 {
			queueOpts = append(queueOpts, queue.WithQueueMaxAttempts(name, qc.MaxAttempts))
		}
	}
	q := queue.New(store.DB, queueOpts...)
	cursors := cursorstore.New(store.DB)
	scheduler := queue.NewScheduler(q, cursors)

	oracle := pricing.NewOracle(cfg.OracleTTL, cfg.OracleMaxDeviation, cfg.OracleCircuitBreaker)
	if cfg.Topology.Pricing.StaticRateUSD > 0 {
		oracle.Update(cfg.Topology.Pricing.RateToken, "static", cfg.Topology.Pricing.StaticRateUSD, time.Now().UTC())
	}
	quoter := pricing.NewQuoter(oracle, cfg.Topology.Pricing.RateToken, pricing.Curve{
		CreditsPerByte:     cfg.Topology.Pricing.CreditsPerByte,
		FeePercent:         cfg.Topology.Pricing.FeePercent,
		BufferPercent:      cfg.Topology.Pricing.BufferPercent,
		MinimumPaymentUsdc: big.NewInt(cfg.Topology.Pricing.MinimumPaymentUsdc),
		DepositUsdc:        big.NewInt(cfg.Topology.Pricing.DepositUsdc),
	})

	ldg := ledger.New(store.DB)
	assembler := dataitem.NewAssembler(walletKey)
	receipts := receipt.NewSigner(walletKey, []string{"arweave.net"}, []string{"arweave.net"})

	dispatcher, err := buildFacilitators(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	verifier := x402.NewVerifier(nil, dispatcher)

	sigTypes := make(map[dataitem.SignatureType]bool, len(cfg.AllowListedSignatureTypes))
	for _, st := range cfg.AllowListedSignatureTypes {
		sigTypes[dataitem.SignatureType(st)] = true
	}
	admCfg := admission.Config{
		FreeUploadLimitBytes:      cfg.FreeUploadLimitBytes,
		FreeTierEnabled:           cfg.FreeTierEnabled,
		WhitelistedAddresses:      cfg.WhitelistedAddresses,
		AllowListedSignatureTypes: sigTypes,
		BundlerName:               cfg.BundlerName,
		Network:                   cfg.Topology.Payment.Network,
		Scheme:                    "exact",
		PayToAddress:              cfg.Topology.Payment.PayTo,
		AssetAddress:              cfg.Topology.Payment.Asset,
		AssetName:                 cfg.Topology.Payment.AssetName,
		AssetVersion:              cfg.Topology.Payment.AssetVersion,
		ChainID:                   big.NewInt(cfg.Topology.Payment.ChainID),
		MaxTimeoutSeconds:         cfg.Topology.Payment.MaxTimeoutSeconds,
		DeadlineHeightBuffer:      cfg.Topology.Payment.DeadlineHeightBuffer,
	}
	adm := admission.New(store.DB, ldg, objects, verifier, dispatcher, quoter, assembler, q, receipts, nil, admCfg)

	mpStore := multipart.NewStore(store.DB)
	mp := multipart.New(store.DB, mpStore, ldg, objects, quoter, q, assembler, multipart.Config{
		TTL:             time.Duration(cfg.Topology.Multipart.TTLHours) * time.Hour,
		MaxPerAddress:   cfg.Topology.Multipart.MaxPerAddress,
		FraudTolerance:  cfg.Topology.Multipart.FraudTolerance,
		RefundThreshold: cfg.Topology.Multipart.RefundThreshold,
		BundlerName:     cfg.BundlerName,
		Network:         cfg.Topology.Payment.Network,
	})

	if chain == nil {
		chain = loopbackChain{}
	}
	if seeder == nil {
		seeder = loopbackSeeder{}
	}
	pipeStore := pipeline.NewStore(store.DB)
	stages := pipeline.New(pipeStore, objects, q, chain, seeder,
		pipeline.NewObjectBundler(objects, assembler),
		pipeline.OpticalPostConfig{URL: cfg.Topology.Optical.URL, Secret: cfg.Topology.Optical.Secret})

	jan := janitor.New(janitor.NewStore(store.DB), cursors, objects, objects,
		func(item janitor.PermanentItem) string { return "raw-data-item/" + item.DataItemID },
		func(item janitor.PermanentItem) string { return "bundle-payload/" + item.PlanID },
		janitor.Config{
			FilesystemCutoff:     time.Duration(cfg.Topology.Retention.FilesystemCutoffDays) * 24 * time.Hour,
			ObjectStoreCutoff:    time.Duration(cfg.Topology.Retention.ObjectStoreCutoffDays) * 24 * time.Hour,
			BatchSize:            cfg.Topology.Retention.BatchSize,
			MaxConcurrentDeletes: cfg.Topology.Retention.MaxConcurrentDeletes,
			MaxErrorsBeforeAbort: cfg.Topology.Retention.MaxErrorsBeforeAbort,
		}, log)

	apiServer := httpapi.NewServer(adm, mp, pipeStore, ldg, quoter, receipts,
		httpapi.NewAuditStore(store.DB), httpapi.Config{
			BundlerName:          cfg.BundlerName,
			Network:              cfg.Topology.Payment.Network,
			FreeUploadLimitBytes: cfg.FreeUploadLimitBytes,
			AllowedTokens:        cfg.Topology.AllowedTokens,
			ChunkSizeBytes:       cfg.Topology.Multipart.ChunkSizeBytes,
		}, log)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		RatePerSecond: cfg.Topology.HTTP.RatePerSecond,
		Burst:         cfg.Topology.HTTP.Burst,
	})
	router := apiServer.Router(httpapi.CORSConfig{AllowedOrigins: cfg.Topology.HTTP.AllowedOrigins}, limiter)

	svc := &Services{
		Log: log, Store: store, Objects: objects,
		Queue: q, Scheduler: scheduler, Cursors: cursors,
		Oracle: oracle, Quoter: quoter,
		Ledger: ldg, Assembler: assembler, Receipts: receipts,
		Admission: adm, Multipart: mp, Pipeline: stages, PipeStore: pipeStore, Janitor: jan,
		HTTP: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           router,
			ReadTimeout:       httpapi.RequestTimeout,
			ReadHeaderTimeout: httpapi.ReadHeaderTimeout,
			IdleTimeout:       httpapi.IdleTimeout,
		},
		cfg: cfg,
	}

	svc.workers = append(svc.workers, adm.Workers(q)...)
	svc.workers = append(svc.workers, stages.Workers(q)...)
	svc.workers = append(svc.workers, mp.Workers(q)...)
	svc.workers = append(svc.workers, jan.Workers(q)...)

	cronPattern := "0 2 * * *"
	if qc, ok := cfg.Topology.Queues[queue.CleanupFS]; ok && qc.CronPattern != "" {
		cronPattern = qc.CronPattern
	}
	if err := scheduler.Register(queue.CleanupFS, cronPattern, map[string]string{}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bundlerapp: register cleanup-fs: %w", err)
	}

	return svc, nil
}

func buildFacilitators(cfg *config.Config) (*x402.Dispatcher, error) {
	var clients []x402.Client
	for i, fc := range cfg.Topology.Facilitators {
		if fc.Network != "" && fc.Network != cfg.Topology.Payment.Network {
			continue
		}
		name := fmt.Sprintf("%s-%d", fc.Dialect, i)
		switch fc.Dialect {
		case "cdp":
			key, err := loadCDPKey(fc.CDPKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("bundlerapp: facilitator %s: %w", name, err)
			}
			clients = append(clients, x402.NewCDPClient(name, fc.BaseURL, fc.CDPKeyID, key))
		case "rest", "":
			clients = append(clients, x402.NewRESTClient(name, fc.BaseURL))
		default:
			return nil, fmt.Errorf("bundlerapp: facilitator %s: unknown dialect %q", name, fc.Dialect)
		}
	}
	return x402.NewDispatcher(clients...), nil
}

func loadCDPKey(pemPath string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, fmt.Errorf("read cdp key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse cdp key: %w", err)
	}
	return key, nil
}

// Run starts the worker pools, rate poller, scheduler, and HTTP listener,
// then blocks until ctx is cancelled and every component has drained.
func (s *Services) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range s.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(workerCtx)
		}()
	}
	if len(s.cfg.Topology.Pricing.RateFeeds) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pollRateFeeds(workerCtx)
		}()
	}
	s.Scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("http listening", "addr", s.HTTP.Addr)
		if err := s.HTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		<-s.Scheduler.Stop().Done()
		cancelWorkers()
		wg.Wait()
		_ = s.Store.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.HTTP.Shutdown(shutdownCtx); err != nil {
		s.Log.Warn("http shutdown", "error", err)
	}

	<-s.Scheduler.Stop().Done()
	cancelWorkers()
	wg.Wait()
	return s.Store.Close()
}

// pollRateFeeds refreshes the exchange-rate oracle from each configured
// endpoint, expecting a {"price": <float>} body.
func (s *Services) pollRateFeeds(ctx context.Context) {
	interval := time.Duration(s.cfg.Topology.Pricing.RatePollSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, feed := range s.cfg.Topology.Pricing.RateFeeds {
			price, err := fetchPrice(ctx, client, feed)
			if err != nil {
				s.Log.Warn("rate feed fetch failed", "feed", feed, "error", err)
				continue
			}
			s.Oracle.Update(s.cfg.Topology.Pricing.RateToken, feed, price, time.Now().UTC())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fetchPrice(ctx context.Context, client *http.Client, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feed returned %d", resp.StatusCode)
	}
	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.Price <= 0 {
		return 0, fmt.Errorf("feed returned non-positive price")
	}
	return body.Price, nil
}

// loopbackChain is the devnet stand-in for the deployment-specific chain
// client: broadcasts succeed locally and finality is immediate. Production
// wiring passes a real gateway client into New instead.
type loopbackChain struct{}

func (loopbackChain) Broadcast(ctx context.Context, bundleID string, payload []byte) error {
	return nil
}

func (loopbackChain) Finality(ctx context.Context, bundleID string) (int64, bool, error) {
	return 0, true, nil
}

// loopbackSeeder is the matching no-op chunk seeder for devnets.
type loopbackSeeder struct{}

func (loopbackSeeder) Seed(ctx context.Context, bundleID string, payload []byte) error {
	return nil
}
