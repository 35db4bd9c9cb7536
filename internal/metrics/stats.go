package metrics

import (
	"math"
	"sort"

	"wifitester/internal/model"
)

// Rate returns the throughput of m in bytes per second.
func Rate(m model.Measurement) float64 {
	if m.ElapsedTime <= 0 {
		return 0
	}
	return 1e6 * float64(m.NumBytes) / float64(m.ElapsedTime)
}

// Mbps returns the throughput of m in megabits per second.
func Mbps(m model.Measurement) float64 {
	return Rate(m) * 8 / 1e6
}

// Summary is a statistics snapshot over trial rates (bytes per second).
type Summary struct {
	Count    int
	CountWin int
	MeanWin  float64
	Stdev    float64
}

// Summarize computes the windowed mean and spread of rates.
//
// When there are more than eight rates, the window drops the lowest and
// highest decile (ntile(10) buckets 1 and 10); otherwise every rate counts.
// Stdev is the sample standard deviation, zero for fewer than two rates.
func Summarize(rates []float64) Summary {
	if len(rates) == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)

	window := sorted
	if len(sorted) > 8 {
		window = window[:0:0]
		for i, r := range sorted {
			if b := ntile(i, len(sorted), 10); b >= 2 && b <= 9 {
				window = append(window, r)
			}
		}
	}

	return Summary{
		Count:    len(sorted),
		CountWin: len(window),
		MeanWin:  mean(window),
		Stdev:    stdev(sorted),
	}
}

// ntile returns the 1-based bucket of row i (0-based) out of n rows split
// into k buckets, with the first n%k buckets one row larger.
func ntile(i, n, k int) int {
	size := n / k
	large := n % k
	boundary := large * (size + 1)
	if i < boundary {
		return i/(size+1) + 1
	}
	if size == 0 {
		return large
	}
	return large + (i-boundary)/size + 1
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}
