package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuoter_QuoteUSDCForBytes_EnforcesFloor(t *testing.T) {
	oracle := NewOracle(time.Minute, 0.05, 0.20)
	oracle.Update("winc-usd", "feed-a", 0.0000001, time.Now())

	curve := DefaultCurve()
	q := NewQuoter(oracle, "winc-usd", curve)

	quote, err := q.QuoteUSDCForBytes(10, 0)
	require.NoError(t, err)
	require.Equal(t, curve.MinimumPaymentUsdc.String(), quote.String())
}

func TestQuoter_QuoteUSDCForBytes_ScalesWithSize(t *testing.T) {
	oracle := NewOracle(time.Minute, 0.05, 0.20)
	oracle.Update("winc-usd", "feed-a", 0.01, time.Now())

	curve := DefaultCurve()
	q := NewQuoter(oracle, "winc-usd", curve)

	small, err := q.QuoteUSDCForBytes(1024, 2)
	require.NoError(t, err)
	large, err := q.QuoteUSDCForBytes(2_087_856, 2)
	require.NoError(t, err)

	require.True(t, large.Cmp(small) > 0)
}

func TestQuoter_QuoteUSDCForBytes_NoFeed(t *testing.T) {
	oracle := NewOracle(time.Minute, 0.05, 0.20)
	curve := DefaultCurve()
	q := NewQuoter(oracle, "winc-usd", curve)

	_, err := q.QuoteUSDCForBytes(1024, 0)
	require.Error(t, err)
}

func TestQuoter_DepositQuote(t *testing.T) {
	oracle := NewOracle(time.Minute, 0.05, 0.20)
	curve := DefaultCurve()
	q := NewQuoter(oracle, "winc-usd", curve)
	require.Equal(t, curve.DepositUsdc.String(), q.DepositQuote().String())
}
