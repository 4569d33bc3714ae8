// Command smoke drives a running API through a full generation and evaluation cycle.
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

	"github.com/google/uuid"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/middleware"
)

const defaultWorkload = `
endpoints:
  - name: local
    provider: ollama
    model: llama3.2
    max_temperature: 0.8
sample_queries:
  - name: active-users
    reference_sql: "SELECT name FROM users WHERE active = 1 ORDER BY name"
    context_template: |
      Table users(id INT, name TEXT, active INT).
      Write one SQL query answering: {{PROMPT}}
prompts:
  - text: list the names of active users alphabetically
    sample_query: active-users
generation:
  repetitions: 2
`

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path, contentType string, body []byte) (int, []byte) {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (c *client) start(path, contentType string, body []byte) string {
	code, data := c.do(http.MethodPost, path, contentType, body)
	if code == http.StatusUnauthorized {
		log.Fatal("Unauthorized. Check JWT_SECRET matches the server.")
	}
	if code != http.StatusAccepted {
		log.Fatalf("Expected 202 Accepted from %s, got %d. Body: %s", path, code, data)
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Fatalf("Bad start response: %v", err)
	}
	return resp.RunID
}

func (c *client) poll(kind, id string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		code, data := c.do(http.MethodGet, fmt.Sprintf("/api/v1/%s/%s/status", kind, id), "", nil)
		if code == http.StatusOK {
			var st struct {
				Status   string  `json:"status"`
				Progress float64 `json:"progress"`
				Error    string  `json:"error"`
			}
			_ = json.Unmarshal(data, &st)
			log.Printf("%s %s: %s (%.0f%%)", kind, id, st.Status, st.Progress*100)

			switch st.Status {
			case "completed":
				return
			case "failed", "cancelled":
				log.Fatalf("%s run ended %s: %s", kind, st.Status, st.Error)
			}
		}
		time.Sleep(time.Second)
	}
	log.Fatalf("Timeout waiting for %s run %s", kind, id)
}

func main() {
	base := flag.String("base", "http://localhost:8080", "API base URL")
	workloadPath := flag.String("workload", "", "workload YAML (defaults to a single local Ollama endpoint)")
	timeout := flag.Duration("timeout", 5*time.Minute, "per-run completion timeout")
	flag.Parse()

	cfg := config.Load()

	workload := []byte(defaultWorkload)
	if *workloadPath != "" {
		raw, err := os.ReadFile(*workloadPath)
		if err != nil {
			log.Fatalf("Failed to read workload: %v", err)
		}
		workload = raw
	}

	userID := uuid.New()
	token, err := middleware.IssueToken(cfg.JWTSecret, userID, fmt.Sprintf("smoke-%s@example.com", userID), time.Hour)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	c := &client{base: *base, token: token, http: &http.Client{Timeout: 30 * time.Second}}

	log.Println("Starting generation...")
	genID := c.start("/api/v1/generation/start", "application/yaml", workload)
	c.poll("generation", genID, *timeout)

	code, data := c.do(http.MethodGet, "/api/v1/generation/"+genID+"/candidates", "", nil)
	if code != http.StatusOK {
		log.Fatalf("Candidates: got %d. Body: %s", code, data)
	}
	log.Printf("Candidates: %s", data)

	log.Println("Starting evaluation...")
	body, _ := json.Marshal(map[string]string{"generation_run_id": genID, "comparator": "structural"})
	evalID := c.start("/api/v1/evaluation/start", "application/json", body)
	c.poll("evaluation", evalID, *timeout)

	code, data = c.do(http.MethodGet, "/api/v1/evaluation/"+evalID+"/scores.csv", "", nil)
	if code != http.StatusOK {
		log.Fatalf("Scores: got %d. Body: %s", code, data)
	}
	fmt.Print(string(data))

	code, data = c.do(http.MethodGet, "/api/v1/runs/"+genID+"/events", "", nil)
	log.Printf("Generation events (%d): %s", code, data)

	log.Println("SUCCESS: generation and evaluation completed")
}
