// Package admission implements C6: the top-level entry point for every
// upload path. It orchestrates pricing (C1), payment verification and
// settlement (C2/C3), the payment ledger (C4), the data-item assembler
// (C5), and hands admitted items to the bundling pipeline (C9) via the job
// queue (C8), per spec §4.6.
package admission

import (
	"context"
	"database/sql"
	"math/big"
	"strings"
	"time"

	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/objectstore"
	"github.com/ar-io/x402-bundler/internal/pricing"
	"github.com/ar-io/x402-bundler/internal/queue"
	"github.com/ar-io/x402-bundler/internal/receipt"
	"github.com/ar-io/x402-bundler/internal/x402"
)

// HeightSource reports the chain height admitted data items should carry as
// their receipt deadlineHeight. It is an optional collaborator, the same
// abstract-external-capability shape as pipeline.ChainClient (spec §1); a
// nil source just leaves deadlineHeight at zero.
type HeightSource interface {
	CurrentHeight(ctx context.Context) (int64, error)
}

// Config holds the deployment-specific knobs the admission controller
// enforces directly, per spec §4.6 step 2 and §6's 402 document.
type Config struct {
	FreeUploadLimitBytes      int64
	FreeTierEnabled           bool
	WhitelistedAddresses      []string // lower-cased at construction
	AllowListedSignatureTypes map[dataitem.SignatureType]bool

	BundlerName string
	Network     string
	Scheme      string // "exact"

	PayToAddress      string
	AssetAddress      string
	AssetName         string
	AssetVersion      string
	ChainID           *big.Int
	MaxTimeoutSeconds int64

	DeadlineHeightBuffer int64
}

// Controller implements C6 over its C1-C5 collaborators plus the shared SQL
// store, object store, and job queue.
type Controller struct {
	db          *sql.DB
	store       *Store
	ledger      *ledger.Ledger
	objects     objectstore.Store
	verifier    *x402.Verifier
	facilitator *x402.Dispatcher
	quoter      *pricing.Quoter
	assembler   *dataitem.Assembler
	queue       *queue.Queue
	receipts    *receipt.Signer
	heights     HeightSource
	cfg         Config
	now         func() time.Time
}

// New builds a Controller. heights may be nil (deadlineHeight stays zero).
func New(db *sql.DB, l *ledger.Ledger, objects objectstore.Store, verifier *x402.Verifier, facilitator *x402.Dispatcher,
	quoter *pricing.Quoter, assembler *dataitem.Assembler, q *queue.Queue, receipts *receipt.Signer, heights HeightSource, cfg Config) *Controller {
	lowered := make([]string, len(cfg.WhitelistedAddresses))
	for i, addr := range cfg.WhitelistedAddresses {
		lowered[i] = strings.ToLower(addr)
	}
	cfg.WhitelistedAddresses = lowered
	return &Controller{
		db: db, store: NewStore(db), ledger: l, objects: objects, verifier: verifier, facilitator: facilitator,
		quoter: quoter, assembler: assembler, queue: q, receipts: receipts, heights: heights, cfg: cfg, now: time.Now,
	}
}

// Outcome is what an admission call produced. Exactly one of (Receipt,
// PaymentRequired) is set when err is nil; a non-nil err is a genuine
// failure the caller maps via bundlererr.KindOf (fraud, settlement failure,
// conflict, ...).
type Outcome struct {
	Receipt               *receipt.Receipt
	DataItemID            string
	Payer                 string // authorization.from, empty for free uploads
	PaymentResponseHeader string // base64 X-Payment-Response value
	PaymentRequired       *x402.PaymentRequiredResponse
}

// OwnerAddress reports the server wallet's address, advertised in the
// capability document.
func (c *Controller) OwnerAddress() string {
	return c.assembler.OwnerAddress()
}

func (c *Controller) isFreeUpload(ownerAddress string, sigType dataitem.SignatureType, byteCount int64) bool {
	if ownerAddress != "" {
		lowered := strings.ToLower(ownerAddress)
		for _, addr := range c.cfg.WhitelistedAddresses {
			if addr == lowered {
				return true
			}
		}
	}
	if c.cfg.FreeTierEnabled && c.cfg.FreeUploadLimitBytes > 0 && byteCount <= c.cfg.FreeUploadLimitBytes {
		return true
	}
	if c.cfg.AllowListedSignatureTypes[sigType] {
		return true
	}
	return false
}

func (c *Controller) buildRequirements(maxAmountRequired *big.Int, resource, mimeType string) x402.Requirements {
	return x402.Requirements{
		Scheme:            c.schemeOrDefault(),
		Network:           c.cfg.Network,
		MaxAmountRequired: maxAmountRequired,
		Resource:          resource,
		Description:       "x402-bundler upload",
		MimeType:          mimeType,
		PayTo:             c.cfg.PayToAddress,
		MaxTimeoutSeconds: c.cfg.MaxTimeoutSeconds,
		Asset:             c.cfg.AssetAddress,
		ExtraName:         c.cfg.AssetName,
		ExtraVersion:      c.cfg.AssetVersion,
		ChainID:           c.cfg.ChainID,
	}
}

func (c *Controller) schemeOrDefault() string {
	if c.cfg.Scheme != "" {
		return c.cfg.Scheme
	}
	return "exact"
}

func paymentRequiredResponse(req x402.Requirements, reason string) *x402.PaymentRequiredResponse {
	return &x402.PaymentRequiredResponse{
		X402Version: 1,
		Accepts: []x402.PaymentAccept{{
			Scheme:            req.Scheme,
			Network:           req.Network,
			MaxAmountRequired: req.MaxAmountRequired.String(),
			Resource:          req.Resource,
			Description:       req.Description,
			MimeType:          req.MimeType,
			PayTo:             req.PayTo,
			MaxTimeoutSeconds: req.MaxTimeoutSeconds,
			Asset:             req.Asset,
			Extra:             map[string]string{"name": req.ExtraName, "version": req.ExtraVersion},
		}},
		Error: reason,
	}
}

func (c *Controller) deadlineHeight(ctx context.Context) int64 {
	if c.heights == nil {
		return 0
	}
	h, err := c.heights.CurrentHeight(ctx)
	if err != nil {
		return 0
	}
	return h + c.cfg.DeadlineHeightBuffer
}
