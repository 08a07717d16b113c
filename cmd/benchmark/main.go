// Benchmark replays labelled PaySim transactions through Kestrel's analysis
// endpoint and reports detection quality.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each PaySim origin account becomes a Kestrel user. A user's transactions
// are sent in step order by a single worker so profiles build up the way
// they would in production.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

// AnalyzeResponse is the subset of the analysis result the benchmark scores.
type AnalyzeResponse struct {
	IsAnomaly   bool    `json:"isAnomaly"`
	Confidence  float64 `json:"confidence"`
	RiskScore   int     `json:"riskScore"`
	Severity    string  `json:"severity"`
	AnomalyType string  `json:"anomalyType"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	epoch := flag.String("epoch", "", "RFC3339 time of PaySim step 0 (default: limit steps before now)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	transactions, err := ReadPaySim(f, *limit, *sampleRate)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("No transactions selected")
		return
	}

	start := transactions[0].Step
	base := time.Now().UTC().Add(-time.Duration(transactions[len(transactions)-1].Step-start+1) * time.Hour)
	if *epoch != "" {
		if base, err = time.Parse(time.RFC3339, *epoch); err != nil {
			fmt.Printf("ERROR: -epoch: %v\n", err)
			os.Exit(1)
		}
		start = 0
	}

	fmt.Printf("Replaying %d transactions against %s with %d workers\n", len(transactions), *baseURL, *workers)
	began := time.Now()
	m := run(transactions, *baseURL, *workers, base, start, *verbose)
	m.Print(os.Stdout, time.Since(began))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// shard pins a user to one worker.
func shard(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

func run(transactions []PaySimTransaction, baseURL string, numWorkers int, base time.Time, startStep int, verbose bool) *Metrics {
	if numWorkers < 1 {
		numWorkers = 1
	}
	m := &Metrics{}
	queues := make([]chan PaySimTransaction, numWorkers)
	var wg sync.WaitGroup

	for i := range queues {
		queues[i] = make(chan PaySimTransaction, 100)
		wg.Add(1)
		go func(work <-chan PaySimTransaction) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			for tx := range work {
				began := time.Now()
				result, err := analyze(client, baseURL, tx.Request(base, startStep))
				m.Record(tx.IsFraud, result, err, time.Since(began))
				if verbose {
					printResult(tx, result, err)
				}
			}
		}(queues[i])
	}

	for _, tx := range transactions {
		queues[shard(tx.NameOrig, numWorkers)] <- tx
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	return m
}

func analyze(client *http.Client, baseURL string, req AnalyzeRequest) (*AnalyzeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	endpoint := baseURL + "/users/" + url.PathEscape(req.UserID) + "/transactions/analyze"
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResult(tx PaySimTransaction, res *AnalyzeResponse, err error) {
	if err != nil {
		fmt.Printf("ERROR: %s -> %v\n", tx.NameOrig, err)
		return
	}
	mark := "ok"
	if res.IsAnomaly != tx.IsFraud {
		mark = "MISS"
	}
	fmt.Printf("%-4s %-12s | %-8s | %12.2f | fraud=%-5v | anomaly=%-5v risk=%3d %s\n",
		mark, tx.NameOrig, tx.Type, tx.Amount, tx.IsFraud, res.IsAnomaly, res.RiskScore, res.Severity)
}
