package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	enqueuePayload, enqueueFile, drainSkipProbe = "", "", false
	loginEmail, loginPassword = "", ""
	apiURL, dbPath, logLevel, logFormat = "", "", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseBatch(t *testing.T) {
	input := `
operations:
  - kind: mileage.update
    payload:
      vehicleId: veh_1
      odometer: 120400
  - kind: absence.request
    payload:
      startDate: "2026-05-04"
      endDate: "2026-05-08"
      reason: leave
`
	writes, err := parseBatch(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseBatch() error = %v", err)
	}
	if len(writes) != 2 || writes[0].Kind != "mileage.update" || writes[1].Kind != "absence.request" {
		t.Fatalf("unexpected writes %+v", writes)
	}
	var mileage map[string]any
	if err := json.Unmarshal(writes[0].Payload, &mileage); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if mileage["vehicleId"] != "veh_1" || mileage["odometer"] != float64(120400) {
		t.Fatalf("unexpected mileage payload %v", mileage)
	}
}

func TestParseBatchRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no operations": "operations: []\n",
		"unknown kind":  "operations:\n  - kind: vehicle.delete\n",
		"unknown field": "operations:\n  - kind: mileage.update\n    body: {}\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseBatch(strings.NewReader(input)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

// fakeAPI accepts mileage updates and rejects everything else with 422.
type fakeAPI struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/health":
		_, _ = w.Write([]byte(`{"ok":true}`))
	case r.URL.Path == "/api/session":
		_, _ = w.Write([]byte(`{"authenticated":false}`))
	case r.URL.Path == "/api/operations" && r.Method == http.MethodPost:
		var body struct {
			Kind string `json:"kind"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
		f.mu.Unlock()
		if body.Kind != "mileage.update" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":"VALIDATION_FAILED","error":"Validation failed"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":201}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestEnqueueAndDrain(t *testing.T) {
	api := &fakeAPI{}
	server := httptest.NewServer(api)
	defer server.Close()
	common := []string{"--api", server.URL, "--db", filepath.Join(t.TempDir(), "agent.db"), "--log-level", "error"}

	out, err := runCLI(t, append([]string{"enqueue", "mileage.update", "--payload", `{"vehicleId":"veh_1","odometer":10}`}, common...)...)
	if err != nil || !strings.Contains(out, "queued") {
		t.Fatalf("enqueue mileage: err=%v out=%s", err, out)
	}
	if _, err := runCLI(t, append([]string{"enqueue", "workshop_comment.create", "--payload", `{"taskId":"t1","body":"short"}`}, common...)...); err != nil {
		t.Fatalf("enqueue comment: %v", err)
	}

	out, err = runCLI(t, append([]string{"status"}, common...)...)
	if err != nil || !strings.HasPrefix(out, "2 pending, 0 failed") {
		t.Fatalf("status before drain: err=%v out=%s", err, out)
	}

	out, err = runCLI(t, append([]string{"drain"}, common...)...)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !strings.Contains(out, "replayed 1, failed 1, 0 remaining") {
		t.Fatalf("unexpected drain output %s", out)
	}
	if len(api.keys) != 2 || api.keys[0] == "" || api.keys[0] == api.keys[1] {
		t.Fatalf("expected two distinct idempotency keys, got %v", api.keys)
	}

	out, err = runCLI(t, append([]string{"failed"}, common...)...)
	if err != nil || !strings.Contains(out, "workshop_comment.create") {
		t.Fatalf("failed list: err=%v out=%s", err, out)
	}
}

func TestDrainWhileUnreachableKeepsBacklog(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	unreachable := server.URL
	server.Close()
	common := []string{"--api", unreachable, "--db", filepath.Join(t.TempDir(), "agent.db"), "--log-level", "error"}

	if _, err := runCLI(t, append([]string{"enqueue", "absence.request", "--payload", `{"startDate":"2026-05-04","endDate":"2026-05-05"}`}, common...)...); err != nil {
		t.Fatalf("enqueue while offline: %v", err)
	}
	out, err := runCLI(t, append([]string{"drain"}, common...)...)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !strings.Contains(out, "API unreachable; 1 operations stay queued") {
		t.Fatalf("unexpected drain output %s", out)
	}
}

func TestEnqueueRejectsBadArguments(t *testing.T) {
	db := filepath.Join(t.TempDir(), "agent.db")
	if _, err := runCLI(t, "enqueue", "vehicle.delete", "--db", db); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
	if _, err := runCLI(t, "enqueue", "mileage.update", "--payload", "{not json", "--db", db); err == nil {
		t.Fatal("expected invalid payload to fail")
	}
	if _, err := runCLI(t, "enqueue", "--db", db); err == nil {
		t.Fatal("expected missing kind to fail")
	}
}
