package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Metrics tracks benchmark results.
type Metrics struct {
	mu sync.Mutex

	TruePositives  int64 // fraud flagged as anomaly
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64 // missed fraud

	TotalProcessed int64
	TotalErrors    int64
	Latency        time.Duration
}

// Record adds one analysis outcome.
func (m *Metrics) Record(actual bool, res *AnalyzeResponse, err error, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalProcessed++
	m.Latency += latency
	if err != nil {
		m.TotalErrors++
		return
	}

	predicted := res.IsAnomaly
	switch {
	case predicted && actual:
		m.TruePositives++
	case predicted && !actual:
		m.FalsePositives++
	case !predicted && !actual:
		m.TrueNegatives++
	default:
		m.FalseNegatives++
	}
}

// Precision is the share of anomalies that were fraud.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of fraud flagged as anomalous.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct verdicts among scored rows.
func (m *Metrics) Accuracy() float64 {
	return ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Print writes the confusion matrix and summary.
func (m *Metrics) Print(w io.Writer, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintf(w, "\nProcessed %d transactions (%d errors) in %v\n",
		m.TotalProcessed, m.TotalErrors, duration.Round(time.Millisecond))

	fmt.Fprintln(w, "\nConfusion matrix")
	fmt.Fprintln(w, "                 anomaly    normal")
	fmt.Fprintf(w, "   fraud      %9d %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "   legit      %9d %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Fprintf(w, "\nPrecision:  %.4f\n", m.Precision())
	fmt.Fprintf(w, "Recall:     %.4f\n", m.Recall())
	fmt.Fprintf(w, "F1-Score:   %.4f\n", m.F1())
	fmt.Fprintf(w, "Accuracy:   %.4f\n", m.Accuracy())

	if m.TotalProcessed > 0 && duration > 0 {
		avg := m.Latency / time.Duration(m.TotalProcessed)
		fmt.Fprintf(w, "\nAvg latency: %v\n", avg.Round(time.Microsecond))
		fmt.Fprintf(w, "Throughput:  %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
}
