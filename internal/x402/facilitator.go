package x402

import (
	"context"
	"time"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// Client is implemented by each facilitator wire dialect (CDP SDK-shaped or
// community REST). verify/settle timeouts are the dialect's responsibility;
// the Dispatcher performs no retries of its own, per spec §4.3.
type Client interface {
	Name() string
	Verify(ctx context.Context, headerB64 string, req Requirements) (*VerifyResult, error)
	Settle(ctx context.Context, headerB64 string, req Requirements) (*SettleResult, error)
}

// Default timeouts enforced by each dialect implementation.
const (
	VerifyTimeout = 10 * time.Second
	SettleTimeout = 60 * time.Second
)

// Dispatcher tries a list of facilitators in declared order, moving to the
// next on any HTTP-level error, non-2xx response, missing transaction hash,
// or explicit invalid reason.
type Dispatcher struct {
	clients []Client
}

// NewDispatcher builds a Dispatcher over the given facilitators in fallback order.
func NewDispatcher(clients ...Client) *Dispatcher {
	return &Dispatcher{clients: clients}
}

// Len reports how many facilitators are configured.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.clients)
}

// Verify calls each facilitator in turn until one succeeds.
func (d *Dispatcher) Verify(ctx context.Context, headerB64 string, req Requirements) (*VerifyResult, error) {
	var reasons []string
	for _, c := range d.clients {
		result, err := c.Verify(ctx, headerB64, req)
		if err == nil {
			return result, nil
		}
		reasons = append(reasons, c.Name()+": "+err.Error())
	}
	return nil, bundlererr.Aggregate(bundlererr.KindPaymentInvalid, reasons)
}

// Settle calls each facilitator in turn until one succeeds. On total
// failure it returns a PaymentSettlementFailed error carrying every
// facilitator's reason, per spec §7.
func (d *Dispatcher) Settle(ctx context.Context, headerB64 string, req Requirements) (*SettleResult, error) {
	var reasons []string
	for _, c := range d.clients {
		result, err := c.Settle(ctx, headerB64, req)
		if err != nil {
			reasons = append(reasons, c.Name()+": "+err.Error())
			continue
		}
		if result == nil || result.TransactionHash == "" {
			reasons = append(reasons, c.Name()+": missing transaction hash")
			continue
		}
		return result, nil
	}
	return nil, bundlererr.Aggregate(bundlererr.KindPaymentSettlementFailed, reasons)
}
