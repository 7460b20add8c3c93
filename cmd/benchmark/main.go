// Benchmark tool for replaying rated orders against railrate.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/orders.csv -url http://localhost:8080
//
// This tool:
//   1. Reads orders with their expected subtotal from a CSV file
//   2. Sends each order to POST /rate
//   3. Compares the returned subtotal with the expected one
//   4. Reports mismatches, unpriced warnings and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Order is one CSV row: the rating context plus the expected subtotal.
type Order struct {
	Line     int
	Context  map[string]any
	Expected *decimal.Decimal
}

// RateResponse is the part of the rating result the benchmark checks.
type RateResponse struct {
	WeightClass string          `json:"weightClass"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Warnings    []string        `json:"warnings"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	Matched        int64
	Mismatched     int64
	Unchecked      int64 // rows without an expected subtotal
	WithWarnings   int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

// contextColumns maps CSV headers to rating context fields.
var contextColumns = map[string]string{
	"containerlength":    "containerLength",
	"grossweightkg":      "grossWeightKg",
	"loadingstatus":      "loadingStatus",
	"transportform":      "transportForm",
	"dangerousgoods":     "dangerousGoods",
	"customsprocedure":   "customsProcedure",
	"direction":          "direction",
	"departurecountry":   "departureCountry",
	"departurestation":   "departureStation",
	"destinationcountry": "destinationCountry",
	"destinationstation": "destinationStation",
	"customernumber":     "customerNumber",
	"customergroup":      "customerGroup",
	"offernumber":        "offerNumber",
	"truckingcode":       "truckingCode",
	"pricegrid":          "priceGrid",
	"servicedate":        "serviceDate",
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to orders CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "railrate base URL")
	limit := flag.Int("limit", 10000, "Maximum orders to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	withTax := flag.Bool("tax", false, "Request tax resolution")
	verbose := flag.Bool("verbose", false, "Print each order result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/orders.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              RAILRATE BENCHMARK - Order Replay                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("With Tax:    %v\n", *withTax)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: railrate not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure railrate is running:")
		fmt.Println("  go run ./cmd/railrate")
		os.Exit(1)
	}
	fmt.Println("✓ railrate is ready")

	fmt.Printf("\nReading orders from %s...\n", *csvPath)
	orders, err := readOrders(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d orders\n", len(orders))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(orders, *baseURL, *workers, *withTax, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
	if metrics.Mismatched > 0 || metrics.TotalErrors > 0 {
		os.Exit(2)
	}
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func readOrders(path string, limit int) ([]Order, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var orders []Order
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			continue // Skip malformed rows
		}

		order := Order{Line: line, Context: make(map[string]any)}
		for i, col := range header {
			if i >= len(record) || record[i] == "" {
				continue
			}
			value := strings.TrimSpace(record[i])

			if col == "expectedsubtotal" {
				d, err := decimal.NewFromString(value)
				if err != nil {
					return nil, fmt.Errorf("line %d: invalid expected subtotal %q", line, value)
				}
				order.Expected = &d
				continue
			}

			field, ok := contextColumns[col]
			if !ok {
				continue
			}
			switch field {
			case "grossWeightKg":
				kg, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: invalid weight %q", line, value)
				}
				order.Context[field] = kg
			case "dangerousGoods":
				order.Context[field] = value == "1" || strings.EqualFold(value, "true") || strings.EqualFold(value, "ja")
			default:
				order.Context[field] = value
			}
		}

		orders = append(orders, order)
		if limit > 0 && len(orders) >= limit {
			break
		}
	}

	return orders, nil
}

func runBenchmark(orders []Order, baseURL string, numWorkers int, withTax, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Order, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for order := range work {
				start := time.Now()
				result, err := rateOrder(client, baseURL, order, withTax)
				metrics.observe(time.Since(start))
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: line %d -> %v\n", order.Line, err)
					}
					continue
				}

				if len(result.Warnings) > 0 {
					atomic.AddInt64(&metrics.WithWarnings, 1)
				}

				status := "·"
				switch {
				case order.Expected == nil:
					atomic.AddInt64(&metrics.Unchecked, 1)
				case order.Expected.Equal(result.Subtotal):
					atomic.AddInt64(&metrics.Matched, 1)
					status = "✓"
				default:
					atomic.AddInt64(&metrics.Mismatched, 1)
					status = "✗"
				}

				if verbose || status == "✗" {
					expected := "-"
					if order.Expected != nil {
						expected = order.Expected.StringFixed(2)
					}
					fmt.Printf("%s line %-6d | Class: %-4s | Subtotal: %10s | Expected: %10s | Warnings: %d\n",
						status,
						order.Line,
						result.WeightClass,
						result.Subtotal.StringFixed(2),
						expected,
						len(result.Warnings),
					)
				}
			}
		}()
	}

	for _, order := range orders {
		work <- order
	}
	close(work)

	wg.Wait()

	return metrics
}

func rateOrder(client *http.Client, baseURL string, order Order, withTax bool) (*RateResponse, error) {
	req := make(map[string]any, len(order.Context)+1)
	for k, v := range order.Context {
		req[k] = v
	}
	if withTax {
		req["withTax"] = true
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/rate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result RateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nORDERS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Matched:          %d\n", m.Matched)
	fmt.Printf("   Mismatched:       %d\n", m.Mismatched)
	fmt.Printf("   Unchecked:        %d\n", m.Unchecked)
	fmt.Printf("   With Warnings:    %d\n", m.WithWarnings)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	checked := m.Matched + m.Mismatched
	if checked > 0 {
		fmt.Printf("   Match Rate:       %.2f%%\n", 100*float64(m.Matched)/float64(checked))
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		var sum time.Duration
		for _, d := range m.latencies {
			sum += d
		}
		avgMs := float64(sum.Microseconds()) / 1000 / float64(len(m.latencies))
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f orders/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
