package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ar-io/x402-bundler/internal/pipeline"
)

type txStatusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	BundleID     string `json:"bundleId,omitempty"`
	BlockHeight  int64  `json:"blockHeight,omitempty"`
	Winc         string `json:"winc,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.pipeline.GetDataItem(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "data item not found"})
		return
	}

	resp := txStatusResponse{ID: item.ID, Status: statusLabel(item.State)}
	if item.AssessedPriceCredits.Valid {
		resp.Winc = item.AssessedPriceCredits.String
	}
	if item.PlanID.Valid {
		if bundle, err := s.pipeline.BundleForPlan(r.Context(), item.PlanID.String); err == nil && bundle != nil {
			resp.BundleID = bundle.BundleID
			if bundle.BlockHeight.Valid {
				resp.BlockHeight = bundle.BlockHeight.Int64
			}
			if bundle.FailedReason.Valid {
				resp.FailedReason = bundle.FailedReason.String
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusLabel(state pipeline.DataItemState) string {
	switch state {
	case pipeline.DataItemPermanent:
		return "permanent"
	case pipeline.DataItemFailed:
		return "failed"
	default:
		return "pending"
	}
}

type txOffsetsResponse struct {
	DataItemID              string `json:"id"`
	RootBundleID            string `json:"rootBundleId"`
	StartOffsetInRootBundle int64  `json:"startOffsetInRootBundle"`
	RawContentLength        int64  `json:"rawContentLength"`
	PayloadDataStart        int64  `json:"payloadDataStart"`
	PayloadContentType      string `json:"payloadContentType,omitempty"`
	ParentDataItemID        string `json:"parentDataItemId,omitempty"`
	StartOffsetInParent     *int64 `json:"startOffsetInParent,omitempty"`
	ExpiresAt               int64  `json:"expiresAt"`
}

func (s *Server) handleTxOffsets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset, err := s.pipeline.GetOffset(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "offsets not found"})
		return
	}

	resp := txOffsetsResponse{
		DataItemID:              offset.DataItemID,
		RootBundleID:            offset.RootBundleID,
		StartOffsetInRootBundle: offset.StartOffsetInRootBundle,
		RawContentLength:        offset.RawContentLength,
		PayloadDataStart:        offset.PayloadDataStart,
		ExpiresAt:               offset.ExpiresAt,
	}
	if offset.PayloadContentType.Valid {
		resp.PayloadContentType = offset.PayloadContentType.String
	}
	if offset.ParentDataItemID.Valid {
		resp.ParentDataItemID = offset.ParentDataItemID.String
	}
	if offset.StartOffsetInParent.Valid {
		v := offset.StartOffsetInParent.Int64
		resp.StartOffsetInParent = &v
	}
	writeJSON(w, http.StatusOK, resp)
}
