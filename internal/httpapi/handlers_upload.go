package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ar-io/x402-bundler/internal/admission"
	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/dataitem"
	"github.com/ar-io/x402-bundler/internal/ledger"
	"github.com/ar-io/x402-bundler/internal/receipt"
)

const paymentHeaderName = "X-PAYMENT"

// uploadResponse is the admission response body: the signed receipt plus
// the owner/payer identities the caller needs to cross-check.
type uploadResponse struct {
	receipt.Receipt
	Owner string `json:"owner,omitempty"`
	Payer string `json:"payer,omitempty"`
}

func (s *Server) handleSignedUpload(w http.ResponseWriter, r *http.Request) {
	s.admitSigned(w, r, r.Body, r.ContentLength)
}

func (s *Server) admitSigned(w http.ResponseWriter, r *http.Request, body io.Reader, contentLength int64) {
	out, err := s.admission.AdmitSigned(r.Context(), admission.SignedUploadInput{
		Body:           body,
		ContentLength:  contentLength,
		XPaymentHeader: r.Header.Get(paymentHeaderName),
		ResourcePath:   r.URL.Path,
		MimeType:       r.Header.Get("Content-Type"),
	})
	s.respondAdmission(w, r, out, err, "signed", contentLength)
}

func (s *Server) handleUnsignedUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UnsignedUploadsOff {
		s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized, "unsigned uploads are disabled"))
		return
	}
	in, err := decodeUnsignedBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in.XPaymentHeader = r.Header.Get(paymentHeaderName)
	in.ResourcePath = r.URL.Path

	out, admitErr := s.admission.AdmitUnsigned(r.Context(), *in)
	s.respondAdmission(w, r, out, admitErr, "unsigned", int64(len(in.Payload)))
}

// handleLegacyTx auto-detects the body shape on the legacy /tx[/:token]
// route by sniffing the two-byte little-endian signature-type prefix, per
// spec §4.6. Bodies shorter than the minimum ANS-104 header are rejected
// before sniffing.
func (s *Server) handleLegacyTx(w http.ResponseWriter, r *http.Request) {
	if token := chi.URLParam(r, "token"); token != "" {
		if _, err := s.parseToken(token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	prefix := make([]byte, dataitem.MinimumHeaderBytes)
	if _, err := io.ReadFull(r.Body, prefix); err != nil {
		s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized,
			"invalid data item: body shorter than minimum ANS-104 header"))
		return
	}

	_, known, err := dataitem.SniffSignatureType(prefix)
	if err != nil {
		s.writeError(w, r, bundlererr.Wrap(bundlererr.KindUnauthorized, err))
		return
	}

	body := io.MultiReader(bytes.NewReader(prefix), r.Body)
	if known {
		s.admitSigned(w, r, body, r.ContentLength)
		return
	}

	if s.cfg.UnsignedUploadsOff {
		s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized, "unsigned uploads are disabled"))
		return
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, admitErr := s.admission.AdmitUnsigned(r.Context(), admission.UnsignedUploadInput{
		Payload:        payload,
		ContentType:    r.Header.Get("Content-Type"),
		Tags:           tagsFromHeaders(r.Header),
		XPaymentHeader: r.Header.Get(paymentHeaderName),
		ResourcePath:   r.URL.Path,
	})
	s.respondAdmission(w, r, out, admitErr, "legacy-tx", int64(len(payload)))
}

func (s *Server) respondAdmission(w http.ResponseWriter, r *http.Request, out *admission.Outcome, err error, path string, byteCount int64) {
	if err != nil {
		s.recordAudit(r, statusForError(err), err.Error())
		s.writeError(w, r, err)
		return
	}
	if out.PaymentRequired != nil {
		s.recordAudit(r, http.StatusPaymentRequired, "payment required")
		writeJSON(w, http.StatusPaymentRequired, out.PaymentRequired)
		return
	}

	status := http.StatusOK
	mode := "free"
	if out.Payer != "" {
		status = http.StatusCreated
		mode = "paid"
		Metrics().RecordPayment(string(ledger.ModePayg))
	}
	Metrics().RecordUpload(path, mode, byteCount)
	s.recordAudit(r, status, "admitted "+out.DataItemID)

	if out.PaymentResponseHeader != "" {
		w.Header().Set("X-Payment-Response", out.PaymentResponseHeader)
	}
	writeJSON(w, status, uploadResponse{
		Receipt: *out.Receipt,
		Owner:   s.admission.OwnerAddress(),
		Payer:   out.Payer,
	})
}

func statusForError(err error) int {
	if kind, ok := bundlererr.KindOf(err); ok {
		switch kind {
		case bundlererr.KindUnauthorized:
			return http.StatusBadRequest
		case bundlererr.KindConflict:
			return http.StatusConflict
		case bundlererr.KindTransientDependencyFailure:
			return http.StatusServiceUnavailable
		case bundlererr.KindPaymentRequired, bundlererr.KindPaymentInvalid,
			bundlererr.KindPaymentSettlementFailed, bundlererr.KindFraudDetected:
			return http.StatusPaymentRequired
		}
	}
	return http.StatusInternalServerError
}

// unsignedEnvelope is the JSON shape of an unsigned upload request.
type unsignedEnvelope struct {
	Data        string `json:"data"`
	ContentType string `json:"contentType"`
	Tags        []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"tags"`
}

// decodeUnsignedBody accepts either the JSON envelope or a binary body with
// Content-Type and X-Tag-* headers, per spec §4.6.
func decodeUnsignedBody(r *http.Request) (*admission.UnsignedUploadInput, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var env unsignedEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			return nil, bundlererr.New(bundlererr.KindUnauthorized, "invalid json envelope: "+err.Error())
		}
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, bundlererr.New(bundlererr.KindUnauthorized, "invalid base64 data: "+err.Error())
		}
		tags := make([]dataitem.Tag, 0, len(env.Tags))
		for _, t := range env.Tags {
			tags = append(tags, dataitem.Tag{Name: t.Name, Value: t.Value})
		}
		return &admission.UnsignedUploadInput{Payload: payload, ContentType: env.ContentType, Tags: tags}, nil
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return &admission.UnsignedUploadInput{
		Payload:     payload,
		ContentType: contentType,
		Tags:        tagsFromHeaders(r.Header),
	}, nil
}

// tagsFromHeaders converts X-Tag-* request headers into caller tags,
// kebab-cased header suffixes becoming proper-cased tag names
// (x-tag-app-name -> App-Name), per spec §4.6.
func tagsFromHeaders(h http.Header) []dataitem.Tag {
	var tags []dataitem.Tag
	for name, values := range h {
		if !strings.HasPrefix(strings.ToLower(name), "x-tag-") || len(values) == 0 {
			continue
		}
		tags = append(tags, dataitem.Tag{Name: properCaseTag(name[len("x-tag-"):]), Value: values[0]})
	}
	return tags
}

func properCaseTag(kebab string) string {
	parts := strings.Split(strings.ToLower(kebab), "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// handlePriceDataItem quotes a token-qualified signed-data-item upload. The
// byte count is the item's full on-wire size, so no wrap overhead is added
// beyond the tag-free estimate.
func (s *Server) handlePriceDataItem(w http.ResponseWriter, r *http.Request) {
	s.handlePriceQuote(w, r, 0)
}

// handlePriceData quotes a token-qualified raw upload, which the server will
// wrap and sign, so the estimate includes per-tag overhead for four tags.
// The 402 quote at upload time counts only the caller's own tags.
func (s *Server) handlePriceData(w http.ResponseWriter, r *http.Request) {
	s.handlePriceQuote(w, r, 4)
}

type priceResponse struct {
	Token      string `json:"token"`
	ByteCount  int64  `json:"byteCount"`
	USDCAtomic string `json:"usdcAtomic"`
}

func (s *Server) handlePriceQuote(w http.ResponseWriter, r *http.Request, tagCount int) {
	token := chi.URLParam(r, "token")
	if _, err := s.parseToken(token); err != nil {
		s.writeError(w, r, err)
		return
	}
	byteCount, err := strconv.ParseInt(chi.URLParam(r, "byteCount"), 10, 64)
	if err != nil || byteCount < 0 {
		s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized, "invalid byte count"))
		return
	}
	quote, err := s.quoter.QuoteUSDCForBytes(byteCount, tagCount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Token: strings.ToLower(token), ByteCount: byteCount, USDCAtomic: quote.String()})
}

// handleLegacyPrice serves the legacy per-address quote: the address is
// accepted for URL compatibility but does not change the price.
func (s *Server) handleLegacyPrice(w http.ResponseWriter, r *http.Request) {
	byteCount, err := strconv.ParseInt(r.URL.Query().Get("byteCount"), 10, 64)
	if err != nil || byteCount < 0 {
		s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized, "invalid byteCount query parameter"))
		return
	}
	quote, err := s.quoter.QuoteUSDCForBytes(byteCount, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":    chi.URLParam(r, "address"),
		"usdcAtomic": quote.String(),
	})
}

// handleLegacyPayment creates a standalone (unbound) payment: used to fund a
// multipart deposit ahead of the create-slot call. The required amount
// defaults to the deposit quote and may be raised via ?usdcAmount.
func (s *Server) handleLegacyPayment(w http.ResponseWriter, r *http.Request) {
	amount := s.quoter.DepositQuote()
	if raw := r.URL.Query().Get("usdcAmount"); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok || parsed.Sign() <= 0 {
			s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized, "invalid usdcAmount"))
			return
		}
		if parsed.Cmp(amount) > 0 {
			amount = parsed
		}
	}

	headerB64 := r.Header.Get(paymentHeaderName)
	if headerB64 == "" {
		writeJSON(w, http.StatusPaymentRequired, s.admission.PaymentRequiredDoc(amount, r.URL.Path, "", ""))
		return
	}

	paymentID, payer, txHash, err := s.admission.SettleStandalone(r.Context(), headerB64, amount, ledger.ModePayg, r.URL.Path, "")
	if err != nil {
		s.recordAudit(r, statusForError(err), err.Error())
		if kind, ok := bundlererr.KindOf(err); ok && (kind == bundlererr.KindPaymentInvalid || kind == bundlererr.KindPaymentSettlementFailed) {
			writeJSON(w, http.StatusPaymentRequired, s.admission.PaymentRequiredDoc(amount, r.URL.Path, "", err.Error()))
			return
		}
		s.writeError(w, r, err)
		return
	}
	Metrics().RecordPayment(string(ledger.ModePayg))
	s.recordAudit(r, http.StatusCreated, "payment "+paymentID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"paymentId":       paymentID,
		"payer":           payer,
		"transactionHash": txHash,
		"network":         s.cfg.Network,
	})
}
