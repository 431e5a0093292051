package drift

import "math"

// PSI severity thresholds.
const (
	PSILow    = 0.1
	PSIMedium = 0.2
)

const (
	psiBins = 10
	psiEps  = 1e-4
)

// ComputePSI computes the Population Stability Index between a baseline and
// a current latency distribution.
//
//	PSI < 0.1   no significant change
//	PSI 0.1-0.2 moderate change
//	PSI > 0.2   significant change
//
// Returns 0 when either input is empty or the union has zero variance.
func ComputePSI(baseline, current []float64) float64 {
	if len(baseline) == 0 || len(current) == 0 {
		return 0
	}
	minVal, maxVal := baseline[0], baseline[0]
	for _, vs := range [][]float64{baseline, current} {
		for _, v := range vs {
			if v < minVal {
				minVal = v
			}
			if v > maxVal {
				maxVal = v
			}
		}
	}
	if minVal == maxVal {
		return 0
	}
	width := (maxVal - minVal) / psiBins

	histogram := func(values []float64) [psiBins]float64 {
		var counts [psiBins]int
		for _, v := range values {
			idx := int((v - minVal) / width)
			if idx > psiBins-1 {
				idx = psiBins - 1
			}
			counts[idx]++
		}
		var pct [psiBins]float64
		total := float64(len(values))
		for i, c := range counts {
			pct[i] = float64(c)/total + psiEps
		}
		return pct
	}

	b := histogram(baseline)
	c := histogram(current)
	var psi float64
	for i := 0; i < psiBins; i++ {
		psi += (c[i] - b[i]) * math.Log(c[i]/b[i])
	}
	return psi
}

// SeverityFromPSI maps a PSI score to a severity label.
func SeverityFromPSI(psi float64) string {
	switch {
	case psi < PSILow:
		return "low"
	case psi < PSIMedium:
		return "medium"
	default:
		return "high"
	}
}
