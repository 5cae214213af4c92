package template

// Snapshot is the latest raw feature row produced by the (external) indicator
// pipeline. MACD fields are pointers because some feeds publish only a subset;
// binning falls back per field when values are absent.
type Snapshot struct {
	RSI      float64  `json:"rsi"`
	MACDHist *float64 `json:"macd_hist,omitempty"`
	MACDDIF  *float64 `json:"macd_dif,omitempty"`
	MACDDEA  *float64 `json:"macd_dea,omitempty"`
	KDDiff   float64  `json:"kd_diff"`
	VolRatio float64  `json:"vol_ratio"`
	Regime   int      `json:"regime"`
}

// Bins is a categorical view of one Snapshot, one label per filter field.
type Bins struct {
	RSI  string `json:"rsi_bin"`
	MACD string `json:"macd_bin"`
	KD   string `json:"kd_bin"`
	Vol  string `json:"vol_bin"`
}

// FeatureBins converts a raw snapshot into the categorical bins templates
// filter on:
//
//	rsi_bin:  L(<30) | M(30..70) | H(>70)
//	macd_bin: P(hist>=0) | N; falls back to dif>=dea, then defaults to P
//	kd_bin:   P(K-D>=0) | N
//	vol_bin:  L(<0.8) | M(<1.2) | H(<1.8) | X(>=1.8)
func FeatureBins(s Snapshot) Bins {
	var b Bins

	switch {
	case s.RSI < 30:
		b.RSI = "L"
	case s.RSI > 70:
		b.RSI = "H"
	default:
		b.RSI = "M"
	}

	switch {
	case s.MACDHist != nil:
		b.MACD = signBin(*s.MACDHist >= 0)
	case s.MACDDIF != nil && s.MACDDEA != nil:
		b.MACD = signBin(*s.MACDDIF >= *s.MACDDEA)
	default:
		// No MACD data at all: lean neutral-positive.
		b.MACD = "P"
	}

	b.KD = signBin(s.KDDiff >= 0)

	switch {
	case s.VolRatio < 0.8:
		b.Vol = "L"
	case s.VolRatio < 1.2:
		b.Vol = "M"
	case s.VolRatio < 1.8:
		b.Vol = "H"
	default:
		b.Vol = "X"
	}

	return b
}

func signBin(positive bool) string {
	if positive {
		return "P"
	}
	return "N"
}

// Match keeps the ACTIVE templates whose side matches exactly and whose four
// filter fields each admit the corresponding bin. Input order is preserved so
// callers can break score ties by first-seen order.
func Match(templates []Template, bins Bins, side Side) []Template {
	var out []Template
	for _, t := range templates {
		if t.Status != StatusActive {
			continue
		}
		if t.Side != side {
			continue
		}
		if !t.Filters.Admits(bins) {
			continue
		}
		out = append(out, t)
	}
	return out
}
