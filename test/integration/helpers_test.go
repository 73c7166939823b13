//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var env *Env

// Env holds shared state for all integration tests.
type Env struct {
	BaseURL string
	Client  *http.Client
	PageURL string
	TabID   int // managed tab opened during setup
}

// health mirrors the JSON shape from /health.
type health struct {
	Status         string `json:"status"`
	AgentConnected bool   `json:"agent_connected"`
	ManagedTabs    int    `json:"managed_tabs"`
	Error          string `json:"error"`
}

// commandResult mirrors the JSON shape returned by command endpoints.
type commandResult struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Snapshot  *struct {
		ID     string `json:"id"`
		Format string `json:"format"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"snapshot"`
	ImageURL string `json:"image_url"`
}

// waitForAgent polls /health until an agent is connected.
func (e *Env) waitForAgent(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := e.Client.Get(e.BaseURL + "/health")
		if err != nil {
			return fmt.Errorf("hub not reachable at %s: %w", e.BaseURL, err)
		}
		var h health
		err = json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode health: %w", err)
		}
		if h.AgentConnected {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no agent connected to %s after %s", e.BaseURL, timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// openTestTab initializes the managed session on the test page.
func (e *Env) openTestTab() error {
	b, err := json.Marshal(map[string]any{"action": "init", "url": e.PageURL})
	if err != nil {
		return err
	}
	resp, err := e.Client.Post(e.BaseURL+"/api/v1/tabs", "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("init tab: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("init tab: status %d: %s", resp.StatusCode, body)
	}
	var res commandResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode init result: %w", err)
	}
	var tab struct {
		TabID int `json:"tab_id"`
	}
	if err := json.Unmarshal(res.Data, &tab); err != nil {
		return fmt.Errorf("decode tab: %w", err)
	}
	e.TabID = tab.TabID
	return nil
}

func TestMain(m *testing.M) {
	baseURL := os.Getenv("PILOT_HUB_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}

	pageURL := os.Getenv("PILOT_TEST_PAGE")
	if pageURL == "" {
		pageURL = "https://example.com"
	}

	env = &Env{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
		PageURL: pageURL,
	}

	if err := env.waitForAgent(15 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := env.openTestTab(); err != nil {
		fmt.Fprintf(os.Stderr, "integration: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "integration: using tab %d at %s\n", env.TabID, env.BaseURL)

	os.Exit(m.Run())
}

// --- HTTP helpers ---

func (e *Env) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.Client.Get(e.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *Env) POST(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *Env) DELETE(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodDelete, path, nil)
}

func (e *Env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("%s %s: marshal body: %v", method, path, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.BaseURL+path, r)
	if err != nil {
		t.Fatalf("%s %s: new request: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// --- Assertion helpers ---

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func requireField[T comparable](t *testing.T, got, want T, name string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}
