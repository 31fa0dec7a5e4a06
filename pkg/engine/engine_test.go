//go:build integration

package engine

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carriersift/carriersift/pkg/blooio"
	"github.com/carriersift/carriersift/pkg/engine/cache"
	"github.com/carriersift/carriersift/pkg/engine/models"
	"github.com/carriersift/carriersift/pkg/engine/store"
)

// fakeUpstream is a capability endpoint double. By default every phone gets
// imessage+sms; individual phones can be overridden with a fixed status code
// or capability flags. PerCallDelay slows each call down for budget tests.
type fakeUpstream struct {
	server *httptest.Server
	calls  atomic.Int32

	mu           sync.Mutex
	statuses     map[string]int
	capabilities map[string][2]bool
	perCallDelay time.Duration
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	u := &fakeUpstream{
		statuses:     make(map[string]int),
		capabilities: make(map[string][2]bool),
	}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.server.Close)
	return u
}

func (u *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)

	phone := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/contacts/"), "/capabilities")

	u.mu.Lock()
	delay := u.perCallDelay
	status, hasStatus := u.statuses[phone]
	caps, hasCaps := u.capabilities[phone]
	u.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hasStatus {
		w.WriteHeader(status)
		return
	}
	if !hasCaps {
		caps = [2]bool{true, true}
	}
	fmt.Fprintf(w, `{"capabilities":{"imessage":%t,"sms":%t}}`, caps[0], caps[1])
}

func (u *fakeUpstream) setStatus(phone string, status int) {
	u.mu.Lock()
	u.statuses[phone] = status
	u.mu.Unlock()
}

func (u *fakeUpstream) setCapabilities(phone string, imessage, sms bool) {
	u.mu.Lock()
	u.capabilities[phone] = [2]bool{imessage, sms}
	u.mu.Unlock()
}

func (u *fakeUpstream) setDelay(d time.Duration) {
	u.mu.Lock()
	u.perCallDelay = d
	u.mu.Unlock()
}

// testEngine bundles the wired-up components for one test.
type testEngine struct {
	store    *store.GORMStore
	cache    cache.Store
	upstream *fakeUpstream
	service  *Service
	worker   *Worker
}

// newTestEngine wires a full engine on an in-memory database against the
// fake upstream. Pacing is disabled so tests run at full speed.
func newTestEngine(t *testing.T, cfg Config) *testEngine {
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

	upstream := newFakeUpstream(t)
	client, err := blooio.NewClient(blooio.ClientConfig{
		BaseURL:        upstream.server.URL,
		APIKey:         "test-key",
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
		RateLimitPause: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create upstream client: %v", err)
	}

	verdictCache := cache.NewDatabaseStore(st.DB(), time.Hour)
	classifier := blooio.NewClassifier(client, verdictCache, blooio.NewRateGate(0))

	service := NewService(st, classifier, cfg)
	worker := NewWorker(service, classifier, cfg)

	return &testEngine{
		store:    st,
		cache:    verdictCache,
		upstream: upstream,
		service:  service,
		worker:   worker,
	}
}

// testConfig returns an engine configuration tuned for fast tests: small
// chunks, no snapshot caching, generous wall time.
func testConfig() Config {
	return Config{
		MaxWallTime:   time.Minute,
		MaxRetries:    3,
		RateLimitRPS:  1, // unused: tests construct the gate directly
		ChunkSize:     3,
		BulkChunkSize: 5,
		PollInterval:  time.Second,
		ProgressStale: time.Nanosecond,
	}
}

// testPhones builds n sequential phone records.
func testPhones(n int) []models.PhoneRecord {
	records := make([]models.PhoneRecord, 0, n)
	for i := 0; i < n; i++ {
		e164 := testE164(i)
		records = append(records, models.PhoneRecord{Original: e164, E164: e164})
	}
	return records
}

func testE164(i int) string {
	return fmt.Sprintf("+1555000%04d", i)
}
