package pricing

import (
	"math/big"
	"time"
)

// Curve holds the byte-price curve and margin knobs driving quoteUSDCForBytes,
// per spec §4.1.
type Curve struct {
	CreditsPerByte     float64
	FeePercent         float64
	BufferPercent      float64
	MinimumPaymentUsdc *big.Int
	DepositUsdc        *big.Int
}

// DefaultCurve matches the spec's stated defaults.
func DefaultCurve() Curve {
	return Curve{
		CreditsPerByte:     1.0,
		FeePercent:         0.30,
		BufferPercent:      0.10,
		MinimumPaymentUsdc: big.NewInt(1000),
		DepositUsdc:        big.NewInt(10000),
	}
}

const (
	signatureOverheadBytes = 512
	ownerOverheadBytes     = 512
	headerOverheadBytes    = 80
	perTagOverheadBytes    = 64
)

// Quoter converts a byte count and tag count into a USDC-atomic price using
// the cached exchange rate served by Oracle, following
// services/payments-gateway's big.Rat arithmetic so money is never routed
// through a 64-bit float.
type Quoter struct {
	oracle    *Oracle
	curve     Curve
	rateToken string
}

// NewQuoter builds a Quoter over the given oracle and token (the exchange
// rate feed key, e.g. "winc-usd").
func NewQuoter(oracle *Oracle, rateToken string, curve Curve) *Quoter {
	return &Quoter{oracle: oracle, curve: curve, rateToken: rateToken}
}

// EstimatedANS104Size returns the predicted on-wire size of a data item with
// the given payload byte count and tag count.
func EstimatedANS104Size(byteCount int64, tagCount int) int64 {
	return byteCount + signatureOverheadBytes + ownerOverheadBytes + headerOverheadBytes + int64(tagCount)*perTagOverheadBytes
}

// QuoteUSDCForBytes implements spec §4.1's pricing formula, rounding the
// final USDC-atomic amount UP and enforcing the configured floor.
func (q *Quoter) QuoteUSDCForBytes(byteCount int64, tagCount int) (*big.Int, error) {
	estimatedSize := EstimatedANS104Size(byteCount, tagCount)

	credits := new(big.Rat).Mul(
		big.NewRat(estimatedSize, 1),
		floatToRat(q.curve.CreditsPerByte),
	)
	credits = credits.Mul(credits, addOne(q.curve.FeePercent))

	rate, err := q.oracle.Price(q.rateToken, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	usd := new(big.Rat).Mul(credits, floatToRat(rate))
	usd = usd.Mul(usd, addOne(q.curve.BufferPercent))

	// USDC has 6 decimals: multiply by 10^6 and round up.
	atomic := new(big.Rat).Mul(usd, big.NewRat(1_000_000, 1))
	quote := ratCeil(atomic)

	if quote.Cmp(q.curve.MinimumPaymentUsdc) < 0 {
		quote = new(big.Int).Set(q.curve.MinimumPaymentUsdc)
	}
	return quote, nil
}

// DepositQuote returns the fixed deposit amount reserving a multipart slot.
func (q *Quoter) DepositQuote() *big.Int {
	return new(big.Int).Set(q.curve.DepositUsdc)
}

// WincForUSDCAtomic reverses QuoteUSDCForBytes's usd-rate and buffer/fee
// multipliers to convert a USDC-atomic excess into winc credits, used by the
// multipart finalize refund path (spec §4.7 step e). The conversion is
// necessarily approximate in the opposite direction of QuoteUSDCForBytes's
// ceiling rounding; refunds are a convenience, not a priced quote.
func (q *Quoter) WincForUSDCAtomic(excessAtomic *big.Int) (*big.Int, error) {
	if excessAtomic.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	rate, err := q.oracle.Price(q.rateToken, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	usd := new(big.Rat).Quo(new(big.Rat).SetInt(excessAtomic), big.NewRat(1_000_000, 1))
	usd = usd.Quo(usd, addOne(q.curve.BufferPercent))

	credits := new(big.Rat).Quo(usd, floatToRat(rate))
	credits = credits.Quo(credits, addOne(q.curve.FeePercent))

	whole := new(big.Int).Quo(credits.Num(), credits.Denom())
	return whole, nil
}

func floatToRat(f float64) *big.Rat {
	r := new(big.Rat)
	r.SetFloat64(f)
	return r
}

func addOne(pct float64) *big.Rat {
	return new(big.Rat).Add(big.NewRat(1, 1), floatToRat(pct))
}

// ratCeil rounds a non-negative big.Rat up to the nearest integer.
func ratCeil(r *big.Rat) *big.Int {
	quo := new(big.Int)
	rem := new(big.Int)
	quo.QuoRem(r.Num(), r.Denom(), rem)
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
