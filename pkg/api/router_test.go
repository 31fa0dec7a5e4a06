//go:build integration

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carriersift/carriersift/pkg/engine"
	"github.com/carriersift/carriersift/pkg/engine/models"
	"github.com/carriersift/carriersift/pkg/engine/store"
)

// newTestAPI wires a router over an in-memory store. The engine service has
// no classifier and no runner: the endpoints under test only touch the store.
func newTestAPI(t *testing.T, cfg APIConfig) (http.Handler, *engine.Service, *store.GORMStore) {
	t.Helper()

	st, err := store.New(&store.Config{
		Type: store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{
			Path: ":memory:",
		},
	})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	service := engine.NewService(st, nil, engine.Config{
		ChunkSize:     3,
		ProgressStale: time.Nanosecond,
	})

	return NewRouter(cfg, service, nil), service, st
}

func testPhonesJSON(n int) string {
	var phones []string
	for i := 0; i < n; i++ {
		e164 := fmt.Sprintf("+1555000%04d", i)
		phones = append(phones, fmt.Sprintf(`{"original":%q,"e164":%q}`, e164, e164))
	}
	return "[" + strings.Join(phones, ",") + "]"
}

// doJSON performs a request and decodes the standard response wrapper.
func doJSON(t *testing.T, handler http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, decoded
}

func createFile(t *testing.T, handler http.Handler, name string, phones int) string {
	t.Helper()

	body := fmt.Sprintf(`{"file_name":%q,"phones":%s}`, name, testPhonesJSON(phones))
	code, resp := doJSON(t, handler, http.MethodPost, "/api/files", body)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", code, resp)
	}
	data := resp["data"].(map[string]interface{})
	return data["id"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	code, resp := doJSON(t, handler, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200 for liveness, got %d", code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}

	code, resp = doJSON(t, handler, http.MethodGet, "/health/ready", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200 for readiness, got %d", code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
}

func TestRootRedirectsToHealth(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("Expected 307, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/health" {
		t.Errorf("Expected redirect to /health, got %s", loc)
	}
}

func TestCreateFile(t *testing.T) {
	handler, _, st := newTestAPI(t, APIConfig{})

	fileID := createFile(t, handler, "upload.csv", 7)

	file, err := st.GetFile(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if file.ProcessingTotal != 7 {
		t.Errorf("Expected total 7, got %d", file.ProcessingTotal)
	}
	if file.Service != models.ServiceBlooio {
		t.Errorf("Expected default service blooio, got %s", file.Service)
	}

	chunks, err := st.ListChunks(context.Background(), fileID)
	if err != nil {
		t.Fatalf("ListChunks failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("Expected 3 chunks, got %d", len(chunks))
	}
}

func TestCreateFileValidation(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing file_name", fmt.Sprintf(`{"phones":%s}`, testPhonesJSON(1))},
		{"empty phones", `{"file_name":"a.csv","phones":[]}`},
		{"missing e164", `{"file_name":"a.csv","phones":[{"original":"555"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := doJSON(t, handler, http.MethodPost, "/api/files", tt.body)
			if code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", code)
			}
		})
	}
}

func TestListActiveFiles(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	createFile(t, handler, "one.csv", 3)
	createFile(t, handler, "two.csv", 3)

	code, resp := doJSON(t, handler, http.MethodGet, "/api/files", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	data := resp["data"].(map[string]interface{})
	if count := data["count"].(float64); count != 2 {
		t.Errorf("Expected 2 active files, got %.0f", count)
	}
}

func TestProgressEndpoint(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	fileID := createFile(t, handler, "progress.csv", 4)

	code, resp := doJSON(t, handler, http.MethodGet, "/api/files/"+fileID+"/progress", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	data := resp["data"].(map[string]interface{})
	if data["total"].(float64) != 4 {
		t.Errorf("Expected total 4, got %v", data["total"])
	}
	if data["status"] != string(models.FileStatusInitialized) {
		t.Errorf("Expected initialized, got %v", data["status"])
	}
}

func TestProgressNotFound(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	code, _ := doJSON(t, handler, http.MethodGet, "/api/files/nonexistent/progress", "")
	if code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	handler, _, st := newTestAPI(t, APIConfig{})

	fileID := createFile(t, handler, "cancel.csv", 4)

	code, _ := doJSON(t, handler, http.MethodPost, "/api/files/"+fileID+"/cancel", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	file, err := st.GetFile(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if file.ProcessingStatus != models.FileStatusFailed {
		t.Errorf("Expected failed, got %s", file.ProcessingStatus)
	}
}

func TestResultsBeforeCompletionConflicts(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	fileID := createFile(t, handler, "early.csv", 4)

	code, _ := doJSON(t, handler, http.MethodGet, "/api/files/"+fileID+"/results.csv", "")
	if code != http.StatusConflict {
		t.Errorf("Expected 409 before completion, got %d", code)
	}
}

func TestResultsDownload(t *testing.T) {
	handler, _, st := newTestAPI(t, APIConfig{})
	ctx := context.Background()

	fileID := createFile(t, handler, "download.csv", 1)
	err := st.InsertResults(ctx, []*models.Result{{
		FileID:           fileID,
		E164:             "+15550000000",
		PhoneNumber:      "+15550000000",
		SupportsIMessage: true,
		SupportsSMS:      true,
		ContactType:      models.ContactTypeIPhone,
	}})
	if err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}
	if err := st.CompleteFile(ctx, fileID, nil); err != nil {
		t.Fatalf("CompleteFile failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files/"+fileID+"/results.csv", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, fileID) {
		t.Errorf("Expected attachment disposition with file id, got %s", cd)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "phone_number,e164,") {
		t.Errorf("Unexpected CSV header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "iPhone") {
		t.Errorf("Unexpected CSV row: %s", lines[1])
	}
}

// brokenPipeWriter mimics a client that disconnects mid-download: the
// second write fails, later writes succeed again so an error payload
// mistakenly appended after the failure would be captured.
type brokenPipeWriter struct {
	header http.Header
	status int
	writes int
	body   bytes.Buffer
}

func (w *brokenPipeWriter) Header() http.Header { return w.header }

func (w *brokenPipeWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *brokenPipeWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes == 2 {
		return 0, errors.New("write: broken pipe")
	}
	w.body.Write(p)
	return len(p), nil
}

func TestResultsDownloadDropsStreamOnWriteFailure(t *testing.T) {
	handler, _, st := newTestAPI(t, APIConfig{})
	ctx := context.Background()

	// Enough rows that the CSV spans several flushes of the encoder's
	// internal buffer, so the failure lands mid-stream.
	fileID := createFile(t, handler, "big.csv", 3)
	for batch := 0; batch < 3; batch++ {
		rows := make([]*models.Result, 0, 100)
		for i := 0; i < 100; i++ {
			e164 := fmt.Sprintf("+1555000%04d", batch*100+i)
			rows = append(rows, &models.Result{
				FileID:           fileID,
				E164:             e164,
				PhoneNumber:      e164,
				SupportsIMessage: true,
				SupportsSMS:      true,
				ContactType:      models.ContactTypeIPhone,
			})
		}
		if err := st.InsertResults(ctx, rows); err != nil {
			t.Fatalf("InsertResults failed: %v", err)
		}
	}
	if err := st.CompleteFile(ctx, fileID, nil); err != nil {
		t.Fatalf("CompleteFile failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files/"+fileID+"/results.csv", nil)
	w := &brokenPipeWriter{header: make(http.Header)}
	handler.ServeHTTP(w, req)

	if w.writes < 2 {
		t.Fatalf("Expected the download to reach a second write, got %d", w.writes)
	}
	if w.status != http.StatusOK {
		t.Errorf("Expected only the 200 header sent, got %d", w.status)
	}

	// The partial body stays pure CSV: no JSON error payload after the
	// stream broke.
	body := w.body.String()
	if !strings.HasPrefix(body, "phone_number,e164,") {
		t.Errorf("Expected CSV header at the start of the stream, got %q", body[:min(len(body), 40)])
	}
	if strings.Contains(body, "{") {
		t.Errorf("Expected no error payload appended to the partial CSV")
	}
}

func TestQualityEndpoint(t *testing.T) {
	handler, _, st := newTestAPI(t, APIConfig{})
	ctx := context.Background()

	fileID := createFile(t, handler, "quality.csv", 2)
	err := st.InsertResults(ctx, []*models.Result{
		{FileID: fileID, E164: "+15550000000", PhoneNumber: "+15550000000", ContactType: models.ContactTypeIPhone},
		{FileID: fileID, E164: "+15550000001", PhoneNumber: "+15550000001", ContactType: models.ContactTypeAndroid},
	})
	if err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	code, resp := doJSON(t, handler, http.MethodGet, "/api/files/"+fileID+"/quality", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	data := resp["data"].(map[string]interface{})
	if data["total"].(float64) != 2 {
		t.Errorf("Expected total 2, got %v", data["total"])
	}
	if data["suspicious"].(bool) {
		t.Error("Expected balanced distribution not suspicious")
	}
}

func TestDeleteEndpoint(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	fileID := createFile(t, handler, "delete.csv", 2)

	code, _ := doJSON(t, handler, http.MethodDelete, "/api/files/"+fileID, "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	code, _ = doJSON(t, handler, http.MethodGet, "/api/files/"+fileID+"/progress", "")
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 after deletion, got %d", code)
	}
}

func TestQueueTickWithoutRunner(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{})

	code, _ := doJSON(t, handler, http.MethodPost, "/api/queue/tick", "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a runner, got %d", code)
	}
}

func TestBearerAuthProtectsAPIRoutes(t *testing.T) {
	handler, _, _ := newTestAPI(t, APIConfig{AuthToken: "secret"})

	// API routes require the token.
	code, _ := doJSON(t, handler, http.MethodGet, "/api/files", "")
	if code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", rec.Code)
	}

	// Health stays open for probes.
	code, _ = doJSON(t, handler, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Errorf("Expected open health endpoint, got %d", code)
	}
}

func TestEventsStreamsUntilTerminal(t *testing.T) {
	handler, _, st := newTestAPI(t, APIConfig{})
	ctx := context.Background()

	fileID := createFile(t, handler, "events.csv", 1)
	if err := st.CompleteFile(ctx, fileID, nil); err != nil {
		t.Fatalf("CompleteFile failed: %v", err)
	}

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/files/" + fileID + "/events")
	if err != nil {
		t.Fatalf("GET events failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	// Completed file: a single progress event, then the stream closes.
	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: progress" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"status":"completed"`) {
			sawData = true
		}
	}
	if !sawEvent {
		t.Error("Expected a progress event")
	}
	if !sawData {
		t.Error("Expected a completed progress payload")
	}
}
