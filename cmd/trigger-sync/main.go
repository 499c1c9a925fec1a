package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Backfill service base URL")
	ticker := flag.String("ticker", "", "Backfill a single ticker instead of every configured ticker")
	lookback := flag.String("lookback", "", "Lookback window; the service default is used when empty")
	repair := flag.Bool("repair", true, "Fetch and insert missing days")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Minute}

	// First check if the server is running
	resp, err := client.Get(*baseURL + "/health")
	if err != nil {
		log.Fatal("Server is not running. Please start the backfill service first: go run main.go")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Server is unhealthy (HTTP %d)", resp.StatusCode)
	}

	request := map[string]interface{}{"repair": *repair}
	if *lookback != "" {
		request["lookback"] = *lookback
	}
	endpoint := "/api/v1/process-all"
	if *ticker != "" {
		endpoint = "/api/v1/process-ticker"
		request["ticker"] = *ticker
	}

	payload, err := json.Marshal(request)
	if err != nil {
		log.Fatal("Failed to encode request:", err)
	}

	log.Printf("Triggering %s...", endpoint)
	resp, err = client.Post(*baseURL+endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatal("Failed to trigger backfill:", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal("Failed to read response:", err)
	}

	var result struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Stats  struct {
			TotalTasks     int      `json:"total_tasks"`
			CompletedTasks int      `json:"completed_tasks"`
			FailedTasks    int      `json:"failed_tasks"`
			DaysFailed     int      `json:"days_failed"`
			Errors         []string `json:"errors"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		log.Fatalf("Failed to parse response: %v\n%s", err, body)
	}

	if resp.StatusCode != http.StatusOK || result.Status != "completed" {
		log.Fatalf("Backfill rejected (HTTP %d): %s", resp.StatusCode, body)
	}

	fmt.Printf("Tasks: %d total, %d completed, %d failed\n", result.Stats.TotalTasks, result.Stats.CompletedTasks, result.Stats.FailedTasks)
	for _, e := range result.Stats.Errors {
		fmt.Printf("  %s\n", e)
	}
	if result.Stats.FailedTasks > 0 || result.Stats.DaysFailed > 0 {
		os.Exit(1)
	}
}
