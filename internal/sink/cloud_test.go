package sink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
	"github.com/jzubielik/omron-bridge/internal/sink"
)

func cloudReading() models.Reading {
	return models.Reading{
		Timestamp:          time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Systolic:           120,
		Diastolic:          80,
		Pulse:              65,
		IrregularHeartbeat: true,
		BodyMovement:       false,
		UserSlot:           1,
	}
}

func TestCloudSinkPushPostsJSONWithNotes(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := sink.NewCloudSink(sink.CloudConfig{BaseURL: srv.URL})

	if err := s.Push(context.Background(), cloudReading()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/readings" {
		t.Errorf("path = %q, want /readings", gotPath)
	}
	if gotBody["systolic"].(float64) != 120 {
		t.Errorf("systolic = %v, want 120", gotBody["systolic"])
	}
	notes, _ := gotBody["notes"].(string)
	if notes != "OMRON BLE import (slot 1) | IHB detected" {
		t.Errorf("notes = %q", notes)
	}
}

func TestCloudSinkPushReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := sink.NewCloudSink(sink.CloudConfig{BaseURL: srv.URL})
	if err := s.Push(context.Background(), cloudReading()); err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func TestCloudSinkIsDuplicateMatchesWithinWindow(t *testing.T) {
	r := cloudReading()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"timestamp": r.Timestamp.Add(30 * time.Second).Format(time.RFC3339),
				"systolic":  r.Systolic,
				"diastolic": r.Diastolic,
				"pulse":     r.Pulse,
				"notes":     "",
			},
		})
	}))
	defer srv.Close()

	s := sink.NewCloudSink(sink.CloudConfig{BaseURL: srv.URL})
	probe, err := s.Probe(context.Background(), r.Timestamp.Add(-time.Hour), r.Timestamp.Add(time.Hour))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !s.IsDuplicate(r, probe) {
		t.Error("expected a duplicate match within the window")
	}
}

func TestCloudSinkIsDuplicateNoMatchOutsideWindow(t *testing.T) {
	r := cloudReading()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"timestamp": r.Timestamp.Add(10 * time.Minute).Format(time.RFC3339),
				"systolic":  r.Systolic,
				"diastolic": r.Diastolic,
				"pulse":     r.Pulse,
				"notes":     "",
			},
		})
	}))
	defer srv.Close()

	s := sink.NewCloudSink(sink.CloudConfig{BaseURL: srv.URL})
	probe, err := s.Probe(context.Background(), r.Timestamp.Add(-time.Hour), r.Timestamp.Add(time.Hour))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if s.IsDuplicate(r, probe) {
		t.Error("expected no duplicate match outside the window")
	}
}

func TestCloudSinkConnectLoadsTokenFromSanitizedPath(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "alice_at_example.com.json")
	tok := `{"access_token":"abc123","token_type":"Bearer","expiry":"2099-01-01T00:00:00Z"}`
	if err := os.WriteFile(tokenPath, []byte(tok), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	s := sink.NewCloudSink(sink.CloudConfig{
		Email:      "alice@example.com",
		TokensPath: dir,
		TokenURL:   "https://auth.example.com/token",
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.IsConnected() {
		t.Error("expected IsConnected to be true after loading an unexpired token")
	}
}

func TestCloudSinkConnectMissingTokenFileErrors(t *testing.T) {
	s := sink.NewCloudSink(sink.CloudConfig{Email: "nobody@example.com", TokensPath: t.TempDir()})
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected an error for a missing token file")
	}
}

func TestCloudSinkDisconnectClearsConnectedState(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "alice_at_example.com.json")
	tok := `{"access_token":"abc123","token_type":"Bearer","expiry":"2099-01-01T00:00:00Z"}`
	if err := os.WriteFile(tokenPath, []byte(tok), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	s := sink.NewCloudSink(sink.CloudConfig{Email: "alice@example.com", TokensPath: dir})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s.IsConnected() {
		t.Error("expected IsConnected to be false after Disconnect")
	}
}
