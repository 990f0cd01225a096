package pipeline

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ar-io/x402-bundler/internal/queue"
)

// OpticalPostConfig points the optical-post notifier at the downstream
// gateway that wants a fire-and-forget heads-up on every freshly admitted
// data item, plus the shared secret it signs each delivery with. A blank
// URL disables delivery outright: HandleOpticalPost then just drains the
// queue without dialing out, which keeps single-node deployments working
// with no gateway configured.
type OpticalPostConfig struct {
	URL    string
	Secret string
}

type opticalPostBody struct {
	DataItemID string `json:"dataItemId"`
	ByteCount  int64  `json:"byteCount"`
	OwnerAddr  string `json:"ownerAddress"`
	UploadedAt int64  `json:"uploadedAt"`
}

// HandleOpticalPost delivers a single best-effort notification for a newly
// admitted data item. Per spec §4.6 step 5 this is fire-and-forget from the
// admission controller's point of view; durability instead comes from the
// queue's own at-least-once delivery and retry/dead-letter budget, the way
// services/escrow-gateway's webhook worker signs and posts queued events
// rather than blocking the request path on them.
func (s *Stages) HandleOpticalPost(ctx context.Context, job *queue.Job) error {
	if s.opticalPost.URL == "" {
		return nil
	}
	var payload OpticalPostJob
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("pipeline: optical-post: decode payload: %w", err)
	}

	item, err := s.store.GetDataItem(ctx, payload.DataItemID)
	if err != nil {
		return fmt.Errorf("pipeline: optical-post: %w", err)
	}

	body, err := json.Marshal(opticalPostBody{
		DataItemID: item.ID,
		ByteCount:  item.ByteCount,
		OwnerAddr:  item.OwnerAddress,
		UploadedAt: item.UploadedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("pipeline: optical-post: encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opticalPost.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pipeline: optical-post: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opticalPost.Secret != "" {
		req.Header.Set("X-Optical-Signature", signOpticalPost(s.opticalPost.Secret, body))
	}

	client := s.opticalPostClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: optical-post: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline: optical-post: downstream returned %d", resp.StatusCode)
	}
	return nil
}

func signOpticalPost(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// OpticalPostConcurrency matches new-data-item's own job rate: one
// notification in flight per item admitted is enough, since delivery is
// best-effort and queue retries already smooth out transient failures.
const OpticalPostConcurrency = 1

// opticalPostTimeout bounds a single delivery attempt.
const opticalPostTimeout = 10 * time.Second
