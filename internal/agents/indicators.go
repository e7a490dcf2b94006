package agents

// indicators.go holds the technical indicator kit the analysts use for
// their deterministic scoring. All functions take bars oldest-first.

import (
	"math"

	"agenttrader/pkg/types"
)

func closes(bars []types.OHLCBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA is the exponential moving average over the whole series, seeded
// with an SMA of the first period values.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	ema := SMA(values[:period], period)
	k := 2.0 / (float64(period) + 1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI is the relative strength index (Wilder smoothing) of the last
// period changes. Returns 50 when there is not enough data.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) <= period {
		return 50
	}
	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Volatility is the annualized standard deviation of log returns,
// assuming one bar per minute of a 375-minute session.
func Volatility(values []float64) float64 {
	if len(values) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		returns = append(returns, math.Log(values[i]/values[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	// per-minute → annualized (375-minute session, 252 sessions)
	return math.Sqrt(variance) * math.Sqrt(375*252) * 100
}

// PCR is the put/call open interest ratio over the chain; 0 when the
// chain is empty or has no call OI.
func PCR(chain *types.OptionsChainSnapshot) float64 {
	if chain == nil {
		return 0
	}
	var ce, pe float64
	for _, s := range chain.Strikes {
		ce += s.CEOI
		pe += s.PEOI
	}
	if ce == 0 {
		return 0
	}
	return pe / ce
}
