// Benchmark tool for exercising Kestrel against a simulated sybil population.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -honest 200 -sybils 20
//
// This tool:
//  1. Registers a population of honest accounts and a sybil cohort that
//     shares one network, one device and a creation time
//  2. Drives their actions through POST /users/{id}/actions concurrently
//  3. Runs a coordinated-attack scan and reads every user's risk assessment
//  4. Compares the risk verdicts with the known labels and reports precision,
//     recall, F1-score and latency
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SimUser is one simulated account with its ground-truth label.
type SimUser struct {
	ID                string
	Origin            string
	DeviceFingerprint string
	CreatedAt         time.Time
	Sybil             bool
}

// SimAction is one request in the replay.
type SimAction struct {
	UserID  string
	Request ActionRequest
	Sybil   bool
}

// ActionRequest is the Kestrel action request format
type ActionRequest struct {
	Action            string       `json:"action"`
	TargetID          string       `json:"targetId,omitempty"`
	Value             int          `json:"value,omitempty"`
	Origin            string       `json:"origin,omitempty"`
	DeviceFingerprint string       `json:"deviceFingerprint,omitempty"`
	Location          *Coordinates `json:"location,omitempty"`
	EventType         string       `json:"eventType,omitempty"`
}

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RiskResponse is the subset of the risk assessment the benchmark reads.
type RiskResponse struct {
	RiskScore float64 `json:"riskScore"`
	RiskLevel string  `json:"riskLevel"`
	Flags     []any   `json:"flags"`
}

// FindingResponse is the subset of a coordinated-attack finding the benchmark reads.
type FindingResponse struct {
	AttackType    string   `json:"attackType"`
	Detected      bool     `json:"detected"`
	InvolvedUsers []string `json:"involvedUsers"`
	Confidence    float64  `json:"confidence"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Sybil assessed as risky
	FalsePositives int64 // Honest user assessed as risky
	TrueNegatives  int64 // Honest user assessed as safe
	FalseNegatives int64 // Sybil assessed as safe (missed!)

	ActionsSent      int64
	ActionsThrottled int64
	ActionsBlocked   int64
	SybilBlocked     int64
	TotalErrors      int64

	ProcessingTimeMs int64
}

// Population sizes and pacing of the simulation.
type Population struct {
	Honest  int
	Sybils  int
	Actions int
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	honest := flag.Int("honest", 100, "Number of honest accounts")
	sybils := flag.Int("sybils", 10, "Number of sybil accounts")
	actions := flag.Int("actions", 5, "Actions per account")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	threshold := flag.Float64("threshold", 0.5, "Risk score at or above which an account counts as detected")
	seed := flag.Uint64("seed", 1, "Random seed for the population")
	verbose := flag.Bool("verbose", false, "Print each assessment")
	flag.Parse()

	pop := Population{Honest: *honest, Sybils: *sybils, Actions: *actions}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Simulated Sybil Cohort           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Honest:      %d\n", pop.Honest)
	fmt.Printf("Sybils:      %d\n", pop.Sybils)
	fmt.Printf("Actions:     %d per account\n", pop.Actions)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	now := time.Now().UTC()
	users := generatePopulation(pop, now, rng)
	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("\nRegistering %d accounts...\n", len(users))
	for _, u := range users {
		if err := registerUser(client, *baseURL, u); err != nil {
			fmt.Printf("ERROR: register %s: %v\n", u.ID, err)
			os.Exit(1)
		}
	}
	fmt.Println("✓ Accounts registered")

	replay := generateActions(users, pop.Actions, rng)
	fmt.Printf("\nReplaying %d actions with %d workers...\n", len(replay), *workers)
	startTime := time.Now()
	metrics := runBenchmark(client, replay, *baseURL, *workers)

	finding, err := scanCoordinated(client, *baseURL)
	if err != nil {
		fmt.Printf("WARNING: coordinated scan failed: %v\n", err)
	}

	assess(client, users, *baseURL, *threshold, metrics, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, finding, duration)
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

// generatePopulation builds honest accounts spread over networks, devices and
// the past year, followed by a sybil cohort created within the last hour from
// one /24 and one device.
func generatePopulation(pop Population, now time.Time, rng *rand.Rand) []SimUser {
	users := make([]SimUser, 0, pop.Honest+pop.Sybils)

	for i := range pop.Honest {
		age := time.Duration(24+rng.IntN(365*24)) * time.Hour
		users = append(users, SimUser{
			ID:                fmt.Sprintf("honest-%04d", i),
			Origin:            fmt.Sprintf("10.%d.%d.%d", rng.IntN(250), rng.IntN(250), 1+rng.IntN(250)),
			DeviceFingerprint: fmt.Sprintf("device-h-%04d", i),
			CreatedAt:         now.Add(-age),
		})
	}

	for i := range pop.Sybils {
		users = append(users, SimUser{
			ID:                fmt.Sprintf("sybil-%04d", i),
			Origin:            fmt.Sprintf("203.0.113.%d", 10+i%200),
			DeviceFingerprint: "device-farm-01",
			CreatedAt:         now.Add(-time.Duration(rng.IntN(50)) * time.Minute),
			Sybil:             true,
		})
	}
	return users
}

// generateActions builds the replay. Honest users spread reports, confirmations
// and votes over many targets; sybils all upvote one target and endorse each
// other in a ring.
func generateActions(users []SimUser, perUser int, rng *rand.Rand) []SimAction {
	var sybilIDs []string
	for _, u := range users {
		if u.Sybil {
			sybilIDs = append(sybilIDs, u.ID)
		}
	}

	var out []SimAction
	for _, u := range users {
		for n := range perUser {
			req := ActionRequest{Origin: u.Origin, DeviceFingerprint: u.DeviceFingerprint}

			if u.Sybil {
				switch n % 2 {
				case 0:
					req.Action, req.TargetID, req.Value = "vote", "target-astroturf", 1
				default:
					idx := indexOf(sybilIDs, u.ID)
					req.Action, req.TargetID = "endorse", sybilIDs[(idx+1)%len(sybilIDs)]
				}
			} else {
				switch rng.IntN(3) {
				case 0:
					req.Action = "report"
					req.EventType = "flood"
					req.Location = &Coordinates{
						Latitude:  48 + rng.Float64()*6,
						Longitude: 2 + rng.Float64()*12,
					}
				case 1:
					req.Action = "confirm"
				default:
					value := 1
					if rng.IntN(2) == 0 {
						value = -1
					}
					req.Action, req.TargetID, req.Value = "vote", fmt.Sprintf("target-%03d", rng.IntN(500)), value
				}
			}
			out = append(out, SimAction{UserID: u.ID, Request: req, Sybil: u.Sybil})
		}
	}

	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return 0
}

func registerUser(client *http.Client, baseURL string, u SimUser) error {
	body, err := json.Marshal(map[string]any{
		"createdAt":         u.CreatedAt,
		"origin":            u.Origin,
		"deviceFingerprint": u.DeviceFingerprint,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, baseURL+"/users/"+u.ID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(client *http.Client, replay []SimAction, baseURL string, numWorkers int) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan SimAction, 100)
	var wg sync.WaitGroup

	// Start workers
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range work {
				start := time.Now()
				status, allowed, err := submitAction(client, baseURL, a)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.ActionsSent, 1)

				switch {
				case err != nil:
					atomic.AddInt64(&metrics.TotalErrors, 1)
				case status == http.StatusTooManyRequests:
					atomic.AddInt64(&metrics.ActionsThrottled, 1)
				case !allowed:
					atomic.AddInt64(&metrics.ActionsBlocked, 1)
					if a.Sybil {
						atomic.AddInt64(&metrics.SybilBlocked, 1)
					}
				}
			}
		}()
	}

	// Send work
	for _, a := range replay {
		work <- a
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func submitAction(client *http.Client, baseURL string, a SimAction) (int, bool, error) {
	body, err := json.Marshal(a.Request)
	if err != nil {
		return 0, false, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/users/"+a.UserID+"/actions", bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, false, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		Verdict struct {
			Allowed bool `json:"allowed"`
		} `json:"verdict"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, false, err
	}
	return resp.StatusCode, out.Verdict.Allowed, nil
}

func scanCoordinated(client *http.Client, baseURL string) (*FindingResponse, error) {
	resp, err := client.Post(baseURL+"/scans/coordinated", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var finding FindingResponse
	if err := json.NewDecoder(resp.Body).Decode(&finding); err != nil {
		return nil, err
	}
	return &finding, nil
}

// assess reads every user's risk and fills the confusion matrix.
func assess(client *http.Client, users []SimUser, baseURL string, threshold float64, m *Metrics, verbose bool) {
	for _, u := range users {
		resp, err := client.Get(baseURL + "/users/" + u.ID + "/risk")
		if err != nil {
			m.TotalErrors++
			continue
		}
		var risk RiskResponse
		err = json.NewDecoder(resp.Body).Decode(&risk)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			m.TotalErrors++
			continue
		}

		predicted := risk.RiskScore >= threshold
		m.record(predicted, u.Sybil)

		if verbose {
			status := "✓"
			if predicted != u.Sybil {
				status = "✗"
			}
			fmt.Printf("%s %-12s | Sybil: %-5v | Risk: %.3f (%-8s) | Flags: %d\n",
				status, u.ID, u.Sybil, risk.RiskScore, risk.RiskLevel, len(risk.Flags))
		}
	}
}

func (m *Metrics) record(predicted, actual bool) {
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

// Scores returns precision, recall, F1 and accuracy. Undefined ratios are 0.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func printResults(m *Metrics, finding *FindingResponse, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 ACTION STATISTICS\n")
	fmt.Printf("   Actions Sent:     %d\n", m.ActionsSent)
	fmt.Printf("   Throttled (429):  %d\n", m.ActionsThrottled)
	fmt.Printf("   Blocked:          %d (sybil: %d)\n", m.ActionsBlocked, m.SybilBlocked)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n🕸️  COORDINATED SCAN\n")
	if finding == nil {
		fmt.Println("   unavailable")
	} else {
		fmt.Printf("   Attack:     %s\n", finding.AttackType)
		fmt.Printf("   Detected:   %v (confidence %.2f)\n", finding.Detected, finding.Confidence)
		fmt.Printf("   Involved:   %d users\n", len(finding.InvolvedUsers))
	}

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   RISKY        SAFE")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  S  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           H  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision, recall, f1, accuracy := m.Scores()
	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of risky verdicts, how many were sybils)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of sybils, how many were caught)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.ActionsSent > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.ActionsSent)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f actions/sec\n", float64(m.ActionsSent)/duration.Seconds())
	}
	fmt.Println()
}
