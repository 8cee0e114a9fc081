package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	students    int
	adminToken  string
)

var (
	totalRequests uint64
	created201    uint64
	replayed      uint64
	approved      uint64
	returned      uint64
	fail409       uint64 // unavailable, already borrowing, conflicts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&students, "students", 2000, "Number of seeded students (S-00001 ...)")
	flag.StringVar(&adminToken, "token", os.Getenv("ADMIN_TOKEN"), "Admin bearer token for approve/return")
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`

	// Replayed is set from the Idempotent-Replayed header.
	Replayed bool `json:"-"`
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	books, err := fetchBooks()
	if err != nil || len(books) == 0 {
		log.Fatalf("no books to borrow (run the seeder first): %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, books)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func fetchBooks() ([]string, error) {
	resp, err := http.Get(targetURL + "/api/books")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	var books []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &books); err != nil {
		return nil, err
	}
	ids := make([]string, len(books))
	for i, b := range books {
		ids[i] = b.ID
	}
	return ids, nil
}

// worker plays a kiosk and, with a token, the librarian who approves and
// takes the book back.
func worker(wg *sync.WaitGroup, start time.Time, books []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		student := fmt.Sprintf("S-%05d", rand.Intn(students)+1)
		book := pickBook(books)
		key := fmt.Sprintf("bench-%s-%s-%d", student, book, time.Now().UnixNano())

		body, _ := json.Marshal(map[string]string{"studentId": student, "bookId": book})
		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/borrow/request", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		code, env, err := do(client, req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case code == http.StatusCreated && env.Replayed:
			atomic.AddUint64(&replayed, 1)
			continue
		case code == http.StatusCreated:
			atomic.AddUint64(&created201, 1)
		case code == http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
			continue
		default:
			atomic.AddUint64(&failOther, 1)
			continue
		}

		if adminToken == "" {
			continue
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &created); err != nil || created.ID == "" {
			continue
		}
		if adminCall(client, "/api/borrow/approve/"+created.ID, nil) {
			atomic.AddUint64(&approved, 1)
			if adminCall(client, "/api/borrow/return/"+created.ID, map[string]string{"condition": "good"}) {
				atomic.AddUint64(&returned, 1)
			}
		}
	}
}

func adminCall(client *http.Client, path string, payload any) bool {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req, _ := http.NewRequest(http.MethodPut, targetURL+path, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)

	atomic.AddUint64(&totalRequests, 1)
	code, _, err := do(client, req)
	switch {
	case err != nil:
		atomic.AddUint64(&failOther, 1)
		return false
	case code == http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
		return false
	case code != http.StatusOK:
		atomic.AddUint64(&failOther, 1)
		return false
	}
	return true
}

func do(client *http.Client, req *http.Request) (int, envelope, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, envelope{}, err
	}
	defer resp.Body.Close()

	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	env.Replayed = resp.Header.Get("Idempotent-Replayed") == "true"
	return resp.StatusCode, env, nil
}

func pickBook(books []string) string {
	if workload == "hotspot" {
		// 90% of traffic fights over the first two titles.
		if rand.Float32() < 0.90 {
			return books[rand.Intn(min(2, len(books)))]
		}
	}
	return books[rand.Intn(len(books))]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	f409 := atomic.LoadUint64(&fail409)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"requests_created": atomic.LoadUint64(&created201),
		"requests_replay":  atomic.LoadUint64(&replayed),
		"approved":         atomic.LoadUint64(&approved),
		"returned":         atomic.LoadUint64(&returned),
		"rejected_409":     f409,
		"reject_rate_pct":  rejectRate,
		"errors":           atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
