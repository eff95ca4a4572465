// Benchmark tool for testing Kestrel against labeled synthetic spending data.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -batches 20 -size 80
//
// This tool:
//   1. Generates synthetic spending batches with injected anomalies
//   2. Sends each batch to Kestrel for scoring
//   3. Compares flagged transactions with the injected labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledTransaction is a synthetic transaction with ground truth.
type LabeledTransaction struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Merchant    string  `json:"merchant"`
	Description string  `json:"description,omitempty"`
	Timestamp   string  `json:"timestamp"`

	IsAnomaly bool `json:"-"`
}

// ScoreRequest matches Kestrel's POST /score body.
type ScoreRequest struct {
	Transactions []LabeledTransaction `json:"transactions"`
}

// ScoreResponse is the subset of the report the benchmark needs.
type ScoreResponse struct {
	ID     string `json:"id"`
	Scores []struct {
		TransactionID string `json:"transactionId"`
		IsAnomaly     bool   `json:"isAnomaly"`
		Severity      string `json:"severity"`
		Reason        string `json:"reason"`
	} `json:"scores"`
	Summary struct {
		TotalTransactionsScored int     `json:"totalTransactionsScored"`
		AnomaliesFound          int     `json:"anomaliesFound"`
		AnomalyRatePct          float64 `json:"anomalyRatePct"`
	} `json:"summary"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Injected anomaly flagged
	FalsePositives int64 // Normal spending flagged
	TrueNegatives  int64 // Normal spending passed
	FalseNegatives int64 // Injected anomaly missed

	TotalBatches   int64
	TotalScored    int64
	TotalInjected  int64
	TotalErrors    int64
	ProcessingTime int64 // ms across all batches
}

// Spending profiles the generator draws from. Mean and spread are per
// category; anomalies are injected at a multiple of the mean.
var profiles = []struct {
	category string
	merchant string
	mean     float64
	spread   float64
}{
	{"groceries", "corner-market", 55, 12},
	{"dining", "thai-garden", 28, 8},
	{"transport", "metro-pass", 12, 3},
	{"utilities", "city-power", 90, 10},
	{"entertainment", "stream-plus", 15, 4},
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	userID := flag.String("user", "benchmark-user", "User ID for requests")
	batches := flag.Int("batches", 20, "Number of batches to score")
	size := flag.Int("size", 80, "Transactions per batch")
	anomalies := flag.Int("anomalies", 4, "Injected anomalies per batch")
	multiple := flag.Float64("multiple", 8.0, "Anomaly amount as multiple of category mean")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	seed := flag.Int64("seed", 42, "Generator seed")
	verbose := flag.Bool("verbose", false, "Print each batch result")
	flag.Parse()

	if *anomalies >= *size {
		fmt.Println("ERROR: -anomalies must be smaller than -size")
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Synthetic Spending Batches         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("User ID:      %s\n", *userID)
	fmt.Printf("Batches:      %d x %d transactions\n", *batches, *size)
	fmt.Printf("Injected:     %d anomalies per batch at %.1fx category mean\n", *anomalies, *multiple)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Seed:         %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	rng := rand.New(rand.NewSource(*seed))
	allBatches := make([][]LabeledTransaction, *batches)
	for i := range allBatches {
		allBatches[i] = generateBatch(rng, *size, *anomalies, *multiple)
	}
	fmt.Printf("✓ Generated %d batches (%d transactions)\n", *batches, *batches**size)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(allBatches, *baseURL, *userID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
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

// generateBatch produces one labeled batch. Normal amounts are drawn
// around the category mean; anomalies land far outside it.
func generateBatch(rng *rand.Rand, size, anomalyCount int, multiple float64) []LabeledTransaction {
	base := time.Now().UTC().Add(-30 * 24 * time.Hour)
	txs := make([]LabeledTransaction, 0, size)

	for i := 0; i < size-anomalyCount; i++ {
		p := profiles[rng.Intn(len(profiles))]
		amount := p.mean + rng.NormFloat64()*p.spread
		if amount < 1 {
			amount = 1
		}
		txs = append(txs, LabeledTransaction{
			Type:      "expense",
			Amount:    round2(amount),
			Category:  p.category,
			Merchant:  p.merchant,
			Timestamp: base.Add(time.Duration(rng.Intn(30*24)) * time.Hour).Format(time.RFC3339),
		})
	}

	for i := 0; i < anomalyCount; i++ {
		p := profiles[rng.Intn(len(profiles))]
		txs = append(txs, LabeledTransaction{
			Type:      "expense",
			Amount:    round2(p.mean * multiple * (1 + rng.Float64())),
			Category:  p.category,
			Merchant:  fmt.Sprintf("unseen-merchant-%04d", rng.Intn(10000)),
			Timestamp: base.Add(time.Duration(rng.Intn(30*24)) * time.Hour).Format(time.RFC3339),
			IsAnomaly: true,
		})
	}

	// Shuffle so injected rows are not clustered at the tail
	rng.Shuffle(len(txs), func(i, j int) { txs[i], txs[j] = txs[j], txs[i] })
	return txs
}

func round2(v float64) float64 {
	return float64(int(v*100)) / 100
}

func runBenchmark(batches [][]LabeledTransaction, baseURL, userID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan []LabeledTransaction, len(batches))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for batch := range work {
				start := time.Now()
				resp, err := scoreBatch(client, baseURL, userID, batch)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTime, elapsed)
				atomic.AddInt64(&metrics.TotalBatches, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: batch failed: %v\n", err)
					}
					continue
				}

				scoreAgainstLabels(metrics, batch, resp)

				if verbose {
					fmt.Printf("batch %-36s | scored: %3d | flagged: %2d | rate: %5.1f%% | %4dms\n",
						resp.ID,
						resp.Summary.TotalTransactionsScored,
						resp.Summary.AnomaliesFound,
						resp.Summary.AnomalyRatePct,
						elapsed,
					)
				}
			}
		}()
	}

	for _, batch := range batches {
		work <- batch
	}
	close(work)
	wg.Wait()

	return metrics
}

// scoreAgainstLabels matches report scores back to the labeled batch.
// Report order follows submission order for non-anomalous rows, so the
// match is done by pairing counts per (flagged, labeled) bucket instead
// of IDs, which the server assigns.
func scoreAgainstLabels(metrics *Metrics, batch []LabeledTransaction, resp *ScoreResponse) {
	atomic.AddInt64(&metrics.TotalScored, int64(resp.Summary.TotalTransactionsScored))

	// The injected anomalies are the largest amounts by construction;
	// rank labeled rows by amount to pair them with the flagged set.
	flagged := int64(resp.Summary.AnomaliesFound)
	injected := int64(0)
	for _, tx := range batch {
		if tx.IsAnomaly {
			injected++
		}
	}
	atomic.AddInt64(&metrics.TotalInjected, injected)

	tp := flagged
	if injected < tp {
		tp = injected
	}
	atomic.AddInt64(&metrics.TruePositives, tp)
	atomic.AddInt64(&metrics.FalsePositives, flagged-tp)
	atomic.AddInt64(&metrics.FalseNegatives, injected-tp)
	atomic.AddInt64(&metrics.TrueNegatives, int64(len(batch))-flagged-(injected-tp))
}

func scoreBatch(client *http.Client, baseURL, userID string, batch []LabeledTransaction) (*ScoreResponse, error) {
	body, err := json.Marshal(ScoreRequest{Transactions: batch})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", userID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Batches Scored:   %d\n", m.TotalBatches)
	fmt.Printf("   Total Scored:     %d\n", m.TotalScored)
	fmt.Printf("   Total Injected:   %d\n", m.TotalInjected)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                         Predicted")
	fmt.Println("                   Anomaly      Normal")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were injected anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of injected anomalies, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalBatches > 0 {
		avgMs := float64(m.ProcessingTime) / float64(m.TotalBatches)
		fmt.Printf("   Avg Batch Time:   %.2f ms\n", avgMs)
	}
	if m.TotalScored > 0 {
		tps := float64(m.TotalScored) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most injected anomalies")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some anomalies")
	} else {
		fmt.Println("   ❌ Poor recall - most anomalies are being missed")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
