//go:build ignore

// lifecycle-demo.go - Drive a complete happy-path trade through a running
// coordinator and print each step.
//
// Usage:
//   go run scripts/lifecycle-demo.go -url http://localhost:8080 -network evm -trade 1
//   go run scripts/lifecycle-demo.go -url http://localhost:8080 -token $(go run scripts/generate-jwt.go ...)

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

type stepResult struct {
	Step        string `json:"step"`
	TxReference string `json:"tx_reference"`
	State       string `json:"state"`
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
}

type runResponse struct {
	RunID   string       `json:"run_id"`
	OK      bool         `json:"ok"`
	Error   string       `json:"error"`
	Results []stepResult `json:"results"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Coordinator base URL")
	token := flag.String("token", "", "Bearer token (omit on unauthenticated deployments)")
	network := flag.String("network", "evm", "Target network")
	tradeID := flag.Uint64("trade", 1, "Trade ID to run")
	amount := flag.Uint64("amount", 1_000_000, "Escrow amount in base units")
	flag.Parse()

	payload, _ := json.Marshal(map[string]any{
		"network":    *network,
		"trade_id":   *tradeID,
		"amount":     *amount,
		"seller":     "demo-seller",
		"buyer":      "demo-buyer",
		"arbitrator": "demo-arbitrator",
	})

	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/v1/harness/lifecycle", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var run runResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		fmt.Fprintf(os.Stderr, "Bad response (status %d): %v\n", resp.StatusCode, err)
		os.Exit(1)
	}

	fmt.Printf("Run %s (HTTP %d)\n", run.RunID, resp.StatusCode)
	for _, r := range run.Results {
		status := "ok"
		if !r.OK {
			status = "FAILED: " + r.Error
		}
		fmt.Printf("  %-28s state=%-22s tx=%-16s %s\n", r.Step, r.State, r.TxReference, status)
	}
	if !run.OK {
		fmt.Fprintf(os.Stderr, "Run failed: %s\n", run.Error)
		os.Exit(1)
	}
}
