package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
	"github.com/ar-io/x402-bundler/internal/ledger"
)

// sentinelSegment is the "-1" path segment the legacy chunked protocol uses
// to mean "no upload id yet" / "no offset" on the /chunks routes.
const sentinelSegment = "-1"

type createUploadResponse struct {
	ID           string `json:"id"`
	ChunkSize    int64  `json:"chunkSize"`
	TTLExpiresAt int64  `json:"ttlExpiresAt"`
}

type uploadStatusResponse struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	ChunkSize         int64  `json:"chunkSize"`
	TTLExpiresAt      int64  `json:"ttlExpiresAt"`
	DeclaredByteCount int64  `json:"declaredByteCount,omitempty"`
}

func (s *Server) handleChunksGet(w http.ResponseWriter, r *http.Request) {
	if _, err := s.parseToken(chi.URLParam(r, "token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	uploadID := chi.URLParam(r, "uploadId")
	if uploadID == sentinelSegment {
		s.createUploadSlot(w, r)
		return
	}

	upload, err := s.multipart.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload not found"})
		return
	}
	resp := uploadStatusResponse{
		ID:           upload.UploadID,
		State:        string(upload.State),
		ChunkSize:    upload.ChunkSize,
		TTLExpiresAt: upload.TTLExpiresAt.Unix(),
	}
	if upload.DeclaredByteCount.Valid {
		resp.DeclaredByteCount = upload.DeclaredByteCount.Int64
	}
	writeJSON(w, http.StatusOK, resp)
}

// createUploadSlot implements spec §4.7's createUpload over HTTP: the
// deposit arrives either as an X-PAYMENT header settled inline, or as an
// X-Payment-Id referencing a payment created via the standalone endpoint.
func (s *Server) createUploadSlot(w http.ResponseWriter, r *http.Request) {
	deposit := s.quoter.DepositQuote()

	paymentID := r.Header.Get("X-Payment-Id")
	var payer string
	switch {
	case paymentID != "":
		rec, err := s.ledger.GetByID(r.Context(), paymentID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rec == nil {
			s.writeError(w, r, bundlererr.New(bundlererr.KindConflict, "deposit payment not found"))
			return
		}
		payer = rec.PayerAddress
	case r.Header.Get(paymentHeaderName) != "":
		var err error
		paymentID, payer, _, err = s.admission.SettleStandalone(r.Context(),
			r.Header.Get(paymentHeaderName), deposit, ledger.ModePayg, r.URL.Path, "")
		if err != nil {
			s.recordAudit(r, statusForError(err), err.Error())
			if kind, ok := bundlererr.KindOf(err); ok && (kind == bundlererr.KindPaymentInvalid || kind == bundlererr.KindPaymentSettlementFailed) {
				writeJSON(w, http.StatusPaymentRequired, s.admission.PaymentRequiredDoc(deposit, r.URL.Path, "", err.Error()))
				return
			}
			s.writeError(w, r, err)
			return
		}
		Metrics().RecordPayment(string(ledger.ModePayg))
	default:
		writeJSON(w, http.StatusPaymentRequired,
			s.admission.PaymentRequiredDoc(deposit, r.URL.Path, "", "multipart uploads require a deposit payment"))
		return
	}

	upload, err := s.multipart.CreateUpload(r.Context(), paymentID, payer, s.cfg.ChunkSizeBytes)
	if err != nil {
		s.recordAudit(r, statusForError(err), err.Error())
		s.writeError(w, r, err)
		return
	}
	s.recordAudit(r, http.StatusCreated, "upload "+upload.UploadID)
	writeJSON(w, http.StatusCreated, createUploadResponse{
		ID:           upload.UploadID,
		ChunkSize:    upload.ChunkSize,
		TTLExpiresAt: upload.TTLExpiresAt.Unix(),
	})
}

func (s *Server) handleChunksPost(w http.ResponseWriter, r *http.Request) {
	if _, err := s.parseToken(chi.URLParam(r, "token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	uploadID := chi.URLParam(r, "uploadId")
	offsetRaw := chi.URLParam(r, "offset")

	if offsetRaw == sentinelSegment {
		s.finalizeUpload(w, r, uploadID)
		return
	}

	offset, err := strconv.ParseInt(offsetRaw, 10, 64)
	if err != nil || offset < 0 {
		s.writeError(w, r, bundlererr.New(bundlererr.KindUnauthorized, "invalid chunk offset"))
		return
	}
	if err := s.multipart.PutChunk(r.Context(), uploadID, offset, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if _, err := s.parseToken(chi.URLParam(r, "token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.finalizeUpload(w, r, chi.URLParam(r, "uploadId"))
}

// finalizeUpload drives spec §4.7's finalize: reconcile declared vs actual
// bytes, surface fraud, settle an inline top-up when the linked payments
// fall short, and return the signed receipt once everything is confirmed.
// An Idempotency-Key header replays the stored response for a repeated call.
func (s *Server) finalizeUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	declared, err := declaredByteCount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	reqHash := hashRequest(r.Method, r.URL.Path, strconv.FormatInt(declared, 10))
	if idemKey != "" && s.audit != nil {
		stored, err := s.audit.Lookup(r.Context(), idemKey, reqHash)
		if err != nil {
			if err == ErrIdempotencyMismatch {
				s.writeError(w, r, bundlererr.New(bundlererr.KindConflict, err.Error()))
				return
			}
			s.writeError(w, r, err)
			return
		}
		if stored != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	status, body := s.runFinalize(r, uploadID, declared)
	if idemKey != "" && s.audit != nil && status < http.StatusInternalServerError {
		if err := s.audit.Save(r.Context(), idemKey, reqHash, status, body); err != nil {
			s.log.Warn("idempotency save failed", "error", err)
		}
	}
	s.recordAudit(r, status, "finalize "+uploadID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) runFinalize(r *http.Request, uploadID string, declared int64) (int, []byte) {
	out, err := s.multipart.Finalize(r.Context(), uploadID, declared)
	if err != nil {
		if kind, ok := bundlererr.KindOf(err); ok && kind == bundlererr.KindFraudDetected {
			return http.StatusPaymentRequired, mustJSON(map[string]interface{}{
				"error":           "fraud detected: actual bytes exceed declared bytes beyond tolerance",
				"actualByteCount": out.ActualByteCount,
			})
		}
		return statusForError(err), mustJSON(map[string]string{"error": err.Error()})
	}

	if out.TopUpRequiredUSD != nil {
		headerB64 := r.Header.Get(paymentHeaderName)
		if headerB64 == "" {
			return http.StatusPaymentRequired,
				mustJSON(s.admission.PaymentRequiredDoc(out.TopUpRequiredUSD, r.URL.Path, "", "top-up required to cover actual upload size"))
		}

		paymentID, _, _, err := s.admission.SettleStandalone(r.Context(), headerB64, out.TopUpRequiredUSD, ledger.ModeTopup, r.URL.Path, "")
		if err != nil {
			return http.StatusPaymentRequired,
				mustJSON(s.admission.PaymentRequiredDoc(out.TopUpRequiredUSD, r.URL.Path, "", err.Error()))
		}
		if err := s.ledger.LinkToUploadID(r.Context(), paymentID, uploadID); err != nil {
			return statusForError(err), mustJSON(map[string]string{"error": err.Error()})
		}
		Metrics().RecordPayment(string(ledger.ModeTopup))

		out, err = s.multipart.Finalize(r.Context(), uploadID, declared)
		if err != nil {
			return statusForError(err), mustJSON(map[string]string{"error": err.Error()})
		}
		if out.TopUpRequiredUSD != nil {
			return http.StatusPaymentRequired,
				mustJSON(s.admission.PaymentRequiredDoc(out.TopUpRequiredUSD, r.URL.Path, "", "top-up still short of required amount"))
		}
	}

	signed, err := s.receipts.Sign(out.DataItemID, 0, "0", time.Now().UTC())
	if err != nil {
		return http.StatusInternalServerError, mustJSON(map[string]string{"error": err.Error()})
	}
	Metrics().RecordUpload("multipart", "paid", out.ActualByteCount)
	return http.StatusOK, mustJSON(uploadResponse{Receipt: *signed, Owner: s.admission.OwnerAddress()})
}

// declaredByteCount reads the caller's declared size from the
// X-Declared-Byte-Count header or the declaredByteCount query parameter.
func declaredByteCount(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-Declared-Byte-Count")
	if raw == "" {
		raw = r.URL.Query().Get("declaredByteCount")
	}
	if raw == "" {
		return 0, bundlererr.New(bundlererr.KindUnauthorized, "missing declared byte count")
	}
	declared, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || declared <= 0 {
		return 0, bundlererr.New(bundlererr.KindUnauthorized, "invalid declared byte count")
	}
	return declared, nil
}

func mustJSON(payload interface{}) []byte {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(payload)
	return buf.Bytes()
}
