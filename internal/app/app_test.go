package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxtask/internal/app"
	"github.com/MrWong99/voxtask/internal/config"
	"github.com/MrWong99/voxtask/internal/session"
	"github.com/MrWong99/voxtask/internal/taskstore"
	"github.com/MrWong99/voxtask/internal/tools"
	audiomock "github.com/MrWong99/voxtask/pkg/audio/mock"
	"github.com/MrWong99/voxtask/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxtask/pkg/provider/s2s/mock"
)

var fixedNow = time.Date(2025, 3, 9, 10, 30, 0, 0, time.UTC)

// testConfig returns a defaulted config with a memory task store.
func testConfig() *config.Config {
	cfg := &config.Config{
		Provider: config.ProviderEntry{APIKey: "test"},
		Audio:    config.AudioConfig{Host: "mock"},
		Session:  config.SessionConfig{Instructions: "Keep it short."},
		Volume:   config.VolumeConfig{Interval: 2 * time.Millisecond},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns a mock audio host and a mock provider that creates a
// fresh peer session per Connect.
func testProviders() (*app.Providers, *audiomock.Host, *s2smock.Provider) {
	host := audiomock.NewHost(nil)
	provider := &s2smock.Provider{
		ProviderCapabilities: s2s.Capabilities{InputRate: 16000, OutputRate: 24000},
	}
	return &app.Providers{S2S: provider, Audio: host}, host, provider
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []taskstore.Record
	Err     error
}

func (p *recordingPublisher) Publish(_ context.Context, r taskstore.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, r)
	return p.Err
}

func (p *recordingPublisher) Records() []taskstore.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]taskstore.Record(nil), p.records...)
}

type failingStore struct {
	taskstore.Store
}

func (failingStore) Add(context.Context, taskstore.Record) error {
	return errors.New("disk full")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithClock(func() time.Time { return fixedNow })}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func post(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{})
	if err == nil {
		t.Fatal("expected error for missing providers, got nil")
	}
	_, err = app.New(context.Background(), testConfig(), nil)
	if err == nil {
		t.Fatal("expected error for nil providers, got nil")
	}
}

func TestEndToEnd_TaskIsStoredAndPublished(t *testing.T) {
	t.Parallel()
	providers, host, provider := testProviders()
	store := taskstore.NewMemory()
	pub := &recordingPublisher{}
	a := newApp(t, testConfig(), providers, app.WithTaskStore(store), app.WithPublisher(pub))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp := post(t, srv, "/v1/session/connect")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d, want 200", resp.StatusCode)
	}
	if got := a.Manager().State(); got != session.Open {
		t.Fatalf("state = %v, want open", got)
	}

	cfg := provider.LastConfig()
	if !strings.Contains(cfg.Instructions, "Keep it short.") || !strings.Contains(cfg.Instructions, "2025-03-09") {
		t.Errorf("instructions = %q", cfg.Instructions)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "createTask" {
		t.Errorf("tools = %+v, want createTask only", cfg.Tools)
	}

	peer := provider.LastSession()
	peer.PushToolCall("call-1", "createTask", `{"title":"Call dentist","date":"2025-03-10","priority":"High"}`)
	waitFor(t, "tool result", func() bool { return len(peer.ToolResults()) == 1 })

	res := peer.ToolResults()[0]
	if res.ID != "call-1" || res.Response["status"] != tools.StatusOK {
		t.Errorf("tool result = %+v", res)
	}

	records, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("stored %d tasks, want 1", len(records))
	}
	rec := records[0]
	if rec.Title != "Call dentist" || rec.Date != "2025-03-10" || rec.Priority != "High" {
		t.Errorf("record = %+v", rec)
	}
	if rec.SessionID != a.Manager().Snapshot().SessionID {
		t.Errorf("record session = %q, want %q", rec.SessionID, a.Manager().Snapshot().SessionID)
	}
	if !rec.CreatedAt.Equal(fixedNow) {
		t.Errorf("created_at = %v, want %v", rec.CreatedAt, fixedNow)
	}
	if pubs := pub.Records(); len(pubs) != 1 || pubs[0].ID != rec.ID {
		t.Errorf("published = %+v", pubs)
	}

	// The task is listed over HTTP.
	listResp, err := http.Get(srv.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET /v1/tasks: %v", err)
	}
	defer listResp.Body.Close()
	var listed []taskstore.Record
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != rec.ID {
		t.Errorf("listed = %+v", listed)
	}

	resp = post(t, srv, "/v1/session/disconnect")
	resp.Body.Close()
	if got := a.Manager().State(); got != session.Idle {
		t.Errorf("state after disconnect = %v, want idle", got)
	}
	if !host.Mic.Closed() || !peer.Closed() {
		t.Error("session resources not released")
	}
}

func TestRecordTask_PublishFailureStillSucceeds(t *testing.T) {
	t.Parallel()
	providers, _, provider := testProviders()
	store := taskstore.NewMemory()
	a := newApp(t, testConfig(), providers,
		app.WithTaskStore(store),
		app.WithPublisher(&recordingPublisher{Err: errors.New("nats: connection closed")}),
	)
	if err := a.Manager().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := provider.LastSession()
	peer.PushToolCall("7", "createTask", `{"title":"Buy milk"}`)
	waitFor(t, "tool result", func() bool { return len(peer.ToolResults()) == 1 })

	if got := peer.ToolResults()[0].Response["status"]; got != tools.StatusOK {
		t.Errorf("status = %v, want ok", got)
	}
	if records, _ := store.List(context.Background(), 0); len(records) != 1 {
		t.Errorf("stored %d tasks, want 1", len(records))
	}
}

func TestRecordTask_StoreFailureReportsError(t *testing.T) {
	t.Parallel()
	providers, _, provider := testProviders()
	pub := &recordingPublisher{}
	a := newApp(t, testConfig(), providers,
		app.WithTaskStore(failingStore{Store: taskstore.NewMemory()}),
		app.WithPublisher(pub),
	)
	if err := a.Manager().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := provider.LastSession()
	peer.PushToolCall("8", "createTask", `{"title":"Buy milk"}`)
	waitFor(t, "tool result", func() bool { return len(peer.ToolResults()) == 1 })

	res := peer.ToolResults()[0]
	if res.Response["status"] != tools.StatusError {
		t.Errorf("status = %v, want error", res.Response["status"])
	}
	if len(pub.Records()) != 0 {
		t.Error("unstored task was published")
	}
	if a.Manager().State() != session.Open {
		t.Error("session should stay open after a failed tool call")
	}
}

func TestApplyConfig_UpdatesNextSession(t *testing.T) {
	t.Parallel()
	providers, _, provider := testProviders()
	cfg := testConfig()
	a := newApp(t, cfg, providers)

	updated := *cfg
	updated.Session.Instructions = "Answer in German."
	updated.Provider.Voice = "Puck"
	a.ApplyConfig(&updated, config.Diff(cfg, &updated))

	if err := a.Manager().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	got := provider.LastConfig()
	if !strings.Contains(got.Instructions, "Answer in German.") {
		t.Errorf("instructions = %q", got.Instructions)
	}
	if got.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", got.Voice)
	}
}

func TestNew_SQLiteStoreAndReadiness(t *testing.T) {
	t.Parallel()
	providers, _, _ := testProviders()
	cfg := testConfig()
	cfg.Tasks = config.TasksConfig{Store: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "tasks.db")}
	a := newApp(t, cfg, providers)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["task_store"] != "ok" {
		t.Errorf("task_store check = %q", body.Checks["task_store"])
	}
}

func TestNew_UnreachableBusFails(t *testing.T) {
	t.Parallel()
	providers, _, _ := testProviders()
	cfg := testConfig()
	cfg.Bus.NATSURL = "nats://127.0.0.1:1"

	_, err := app.New(context.Background(), cfg, providers)
	if err == nil {
		t.Fatal("expected error for unreachable NATS, got nil")
	}
	if !strings.Contains(err.Error(), "task bus") {
		t.Errorf("error should mention the task bus, got: %v", err)
	}
}

func TestShutdown_ClosesSession(t *testing.T) {
	t.Parallel()
	providers, host, provider := testProviders()
	a, err := app.New(context.Background(), testConfig(), providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Manager().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Manager().State() != session.Idle {
		t.Errorf("state = %v, want idle", a.Manager().State())
	}
	if !provider.LastSession().Closed() || !host.Output.Closed() {
		t.Error("session resources not released")
	}
	// Idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()
	providers, _, provider := testProviders()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Session.AutoConnect = true
	a := newApp(t, cfg, providers)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	waitFor(t, "auto-connect", func() bool { return a.Manager().State() == session.Open })
	if provider.ConnectCount() != 1 {
		t.Errorf("connect count = %d, want 1", provider.ConnectCount())
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Session.UnknownToolPolicy = "respond"
	cfg.Audio.WireOutputRate = 22050
	cfg.Provider.Voice = "Kore"

	st := app.SettingsFromConfig(cfg)
	if st.UnknownTools != tools.UnknownRespond {
		t.Errorf("UnknownTools = %v, want respond", st.UnknownTools)
	}
	if st.BlockSize != 4096 || st.CaptureRate != 16000 || st.OutputRate != 24000 || st.WireOutputRate != 22050 {
		t.Errorf("audio settings = %+v", st)
	}
	if st.Voice != "Kore" || st.Instructions != "Keep it short." {
		t.Errorf("session settings = %+v", st)
	}
}
