// Package httpapi mounts the bundler's HTTP surface: the x402 upload and
// price endpoints, the legacy /tx and /chunks aliases, receipt and offset
// lookups, the capability document, and /bundler_metrics, per spec §6. The
// surface is mounted twice, at / and /v1.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ar-io/x402-bundler/internal/admission"
	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/multipart"
	"github.com/ar-io/x402-bundler/internal/pipeline"
	"github.com/ar-io/x402-bundler/internal/pricing"
	"github.com/ar-io/x402-bundler/internal/receipt"
)

// HTTP server timeouts per spec §5, sized for large streaming bodies.
const (
	IdleTimeout       = 120 * time.Second
	RequestTimeout    = 600 * time.Second
	ReadHeaderTimeout = 620 * time.Second
)

// Config carries the deployment knobs the HTTP layer enforces directly.
type Config struct {
	BundlerName          string
	Network              string
	FreeUploadLimitBytes int64
	AllowedTokens        []string
	ChunkSizeBytes       int64
	UnsignedUploadsOff   bool
}

// Server owns the handler set over its component collaborators.
type Server struct {
	admission *admission.Controller
	multipart *multipart.Coordinator
	pipeline  *pipeline.Store
	ledger    *ledger.Ledger
	quoter    *pricing.Quoter
	receipts  *receipt.Signer
	audit     *AuditStore
	cfg       Config
	log       *slog.Logger
}

// NewServer builds a Server. audit may be nil to disable the audit-log and
// idempotency-key supplement.
func NewServer(adm *admission.Controller, mp *multipart.Coordinator, ps *pipeline.Store, l *ledger.Ledger,
	quoter *pricing.Quoter, receipts *receipt.Signer, audit *AuditStore, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		admission: adm, multipart: mp, pipeline: ps, ledger: l,
		quoter: quoter, receipts: receipts, audit: audit, cfg: cfg, log: log,
	}
}

// Router mounts the full surface at both / and /v1, wrapped in the CORS,
// rate-limit, and metrics middleware chain.
func (s *Server) Router(cors CORSConfig, limiter *RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(CORS(cors))
	r.Use(limiter.Middleware)
	r.Use(Observe)

	s.mountRoutes(r)
	r.Route("/v1", func(v1 chi.Router) {
		s.mountRoutes(v1)
	})
	return r
}

func (s *Server) mountRoutes(r chi.Router) {
	r.Get("/", s.handleInfo)
	r.Get("/info", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/bundler_metrics",
		promhttp.HandlerFor(Metrics().Registry, promhttp.HandlerOpts{}))

	r.Post("/x402/upload/signed", s.handleSignedUpload)
	r.Post("/x402/upload/unsigned", s.handleUnsignedUpload)
	r.Post("/tx", s.handleLegacyTx)
	r.Post("/tx/{token}", s.handleLegacyTx)

	r.Get("/x402/price/{signatureType}/{address}", s.handleLegacyPrice)
	r.Post("/x402/payment/{signatureType}/{address}", s.handleLegacyPayment)
	r.Get("/price/x402/data-item/{token}/{byteCount}", s.handlePriceDataItem)
	r.Get("/price/x402/data/{token}/{byteCount}", s.handlePriceData)

	r.Get("/chunks/{token}/{uploadId}/{offset}", s.handleChunksGet)
	r.Post("/chunks/{token}/{uploadId}/{offset}", s.handleChunksPost)
	r.Post("/chunks/{token}/{uploadId}/finalize", s.handleFinalize)

	r.Get("/tx/{id}/status", s.handleTxStatus)
	r.Get("/tx/{id}/offsets", s.handleTxOffsets)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// infoResponse is the capability document served at / and /info.
type infoResponse struct {
	Version              string   `json:"version"`
	Gateway              string   `json:"gateway"`
	FreeUploadLimitBytes int64    `json:"freeUploadLimitBytes"`
	AllowedTokens        []string `json:"allowedTokens"`
	Addresses            struct {
		Ethereum string `json:"ethereum"`
	} `json:"addresses"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		Version:              receipt.Version,
		Gateway:              s.cfg.Network,
		FreeUploadLimitBytes: s.cfg.FreeUploadLimitBytes,
		AllowedTokens:        s.cfg.AllowedTokens,
	}
	resp.Addresses.Ethereum = s.admission.OwnerAddress()
	writeJSON(w, http.StatusOK, resp)
}

// parseToken validates a {currency}-{network} token path segment against the
// allowed list; currency is fixed to usdc.
func (s *Server) parseToken(token string) (network string, err error) {
	lowered := strings.ToLower(strings.TrimSpace(token))
	if !strings.HasPrefix(lowered, "usdc-") {
		return "", bundlererr.New(bundlererr.KindUnauthorized, "unsupported token currency")
	}
	for _, allowed := range s.cfg.AllowedTokens {
		if lowered == allowed {
			return strings.TrimPrefix(lowered, "usdc-"), nil
		}
	}
	return "", bundlererr.New(bundlererr.KindUnauthorized, "unsupported token "+lowered)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a classified error onto a transport status per spec §7.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if kind, ok := bundlererr.KindOf(err); ok {
		switch kind {
		case bundlererr.KindPaymentRequired, bundlererr.KindPaymentInvalid,
			bundlererr.KindPaymentSettlementFailed, bundlererr.KindFraudDetected:
			status = http.StatusPaymentRequired
		case bundlererr.KindUnauthorized:
			status = http.StatusBadRequest
		case bundlererr.KindConflict:
			status = http.StatusConflict
		case bundlererr.KindTransientDependencyFailure:
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// recordAudit logs a mutating request's outcome; failures are swallowed so
// auditing never affects the response.
func (s *Server) recordAudit(r *http.Request, status int, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(r.Context(), r.Method, r.URL.Path, hashRequest(r.Method, r.URL.Path), status, detail); err != nil {
		s.log.Warn("audit record failed", "error", err)
	}
}
