package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/monitoring"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scheduler"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

type nopPush struct{}

func (nopPush) Send(context.Context, string, string, string, map[string]any) error { return nil }

type testEnv struct {
	server *Server
	svc    *monitoring.Service
	repo   domain.Repository
	engine *rules.Engine
	day    time.Time
}

// createTestServer wires the full pipeline over a temporary SQLite database.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultDetectionConfig()
	q := queue.Wrap(queue.NewMemoryQueue(), domain.QueueConfig{DefaultAttempts: 3, DefaultBackoff: time.Second})
	profiles := profile.NewBuilder(repo, cfg.Profile, profile.WithReadTimeout(cfg.ReadTimeout))
	engine, err := rules.NewDefaultEngine(cfg.Rules)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	sched, err := scheduler.New(q, repo, domain.DefaultSchedulerConfig())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	svc := monitoring.NewService(monitoring.Deps{
		Transactions: repo,
		AlertStore:   repo,
		Queue:        q,
		Profiles:     profiles,
		Extractor:    features.NewExtractor(velocity.NewService(repo, cfg.ReadTimeout)),
		Rules:        engine,
		Scorer:       scoring.NewScorer(cfg.Scorer),
		Decision:     tadp.NewProcessor(cfg.Decision),
		Risk:         risk.NewAggregator(profiles, repo, repo, cfg.Risk, cfg.ReadTimeout),
		Alerts:       alerts.NewDispatcher(repo, nopPush{}, nil, domain.AlertsConfig{NotifyTimeout: time.Second}),
		Trigger:      sched,
	})

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Service:    svc,
		Rules:      engine,
		RuleStore:  repo,
		Components: map[string]Pinger{"repository": repo},
	}, "test-v1")

	return &testEnv{
		server: server,
		svc:    svc,
		repo:   repo,
		engine: engine,
		day:    time.Now().UTC().Truncate(24*time.Hour).Add(-24 * time.Hour),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

// seedHistory stores ten days of 50/150 purchases at TESCO in London.
func (e *testEnv) seedHistory(t *testing.T, userID string) {
	t.Helper()
	for i := 1; i <= 10; i++ {
		amount := -50.0
		if i%2 == 0 {
			amount = -150
		}
		err := e.repo.SaveTransaction(context.Background(), &domain.Transaction{
			ID:          fmt.Sprintf("%s-hist-%d", userID, i),
			UserID:      userID,
			Amount:      amount,
			Description: "TESCO STORES 2231",
			Location:    "London",
			Timestamp:   e.day.Add(-time.Duration(i)*24*time.Hour + 14*time.Hour),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	env := createTestServer(t)
	env.seedHistory(t, "user-001")

	t.Run("Anomalous", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/users/user-001/transactions/analyze", domain.Transaction{
			ID:          "tx-night",
			Amount:      -5000,
			Description: "ELECTRO WORLD",
			Location:    "Lagos",
			Timestamp:   env.day.Add(2 * time.Hour),
		})
		env.svc.Wait()

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.AnomalyResult
		decode(t, rr, &res)
		if !res.IsAnomaly {
			t.Error("expected anomaly")
		}
		if res.TransactionID != "tx-night" {
			t.Errorf("expected transaction id tx-night, got %s", res.TransactionID)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header to be set")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/user-001/transactions/analyze", strings.NewReader("{invalid"))
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ForeignUser", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/users/user-001/transactions/analyze", domain.Transaction{
			UserID: "someone-else",
			Amount: -10,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("BadCurrency", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/users/user-001/transactions/analyze", domain.Transaction{
			Amount:   -10,
			Currency: "POUNDS",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAlertEndpoints(t *testing.T) {
	env := createTestServer(t)
	env.seedHistory(t, "user-002")

	rr := env.do(t, http.MethodPost, "/users/user-002/transactions/analyze", domain.Transaction{
		ID:          "tx-big",
		Amount:      -5000,
		Description: "ELECTRO WORLD",
		Location:    "Lagos",
		Timestamp:   env.day.Add(2 * time.Hour),
	})
	env.svc.Wait()
	if rr.Code != http.StatusOK {
		t.Fatalf("analyze: %d %s", rr.Code, rr.Body.String())
	}

	var anomalies struct {
		Anomalies []domain.Alert `json:"anomalies"`
		Count     int            `json:"count"`
	}
	decode(t, env.do(t, http.MethodGet, "/users/user-002/anomalies", nil), &anomalies)
	if anomalies.Count != 1 || len(anomalies.Anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", anomalies.Count)
	}
	alertID := anomalies.Anomalies[0].ID

	t.Run("SeverityFilter", func(t *testing.T) {
		var out struct {
			Count int `json:"count"`
		}
		decode(t, env.do(t, http.MethodGet, "/users/user-002/alerts?severity=critical&unacknowledged=true", nil), &out)
		if out.Count != 1 {
			t.Errorf("expected 1 critical alert, got %d", out.Count)
		}
	})

	t.Run("Acknowledge", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/users/user-002/alerts/"+alertID+"/ack", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var alert domain.Alert
		decode(t, rr, &alert)
		if !alert.Acknowledged {
			t.Error("expected alert to be acknowledged")
		}

		var out struct {
			Count int `json:"count"`
		}
		decode(t, env.do(t, http.MethodGet, "/users/user-002/alerts?unacknowledged=true", nil), &out)
		if out.Count != 0 {
			t.Errorf("expected no unacknowledged alerts, got %d", out.Count)
		}
	})

	t.Run("AcknowledgeOtherUser", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/users/user-999/alerts/"+alertID+"/ack", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("BadQuery", func(t *testing.T) {
		for _, q := range []string{"severity=urgent", "since=yesterday", "limit=-1", "unacknowledged=maybe"} {
			rr := env.do(t, http.MethodGet, "/users/user-002/alerts?"+q, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})
}

func TestRiskScoreEndpoint(t *testing.T) {
	env := createTestServer(t)
	env.seedHistory(t, "user-003")

	rr := env.do(t, http.MethodGet, "/users/user-003/risk-score", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var score domain.RiskScore
	decode(t, rr, &score)
	if score.UserID != "user-003" {
		t.Errorf("expected user-003, got %s", score.UserID)
	}
	if score.Overall < 0 || score.Overall > 100 {
		t.Errorf("overall risk out of range: %d", score.Overall)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Train", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/users/user-004/train", nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var res monitoring.TrainResult
		decode(t, rr, &res)
		if !res.Acknowledged || res.JobID == "" {
			t.Errorf("unexpected train result: %+v", res)
		}
	})

	t.Run("TriggerUser", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/monitoring/trigger", TriggerRequest{UserID: "user-004"})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var out struct {
			Enqueued int `json:"enqueued"`
		}
		decode(t, rr, &out)
		if out.Enqueued != 4 {
			t.Errorf("expected 4 jobs, got %d", out.Enqueued)
		}
	})

	t.Run("TriggerAllWithoutBody", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/monitoring/trigger", nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Stats", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/monitoring/stats", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var stats monitoring.Stats
		decode(t, rr, &stats)
		if stats.Rules != env.engine.RulesCount() {
			t.Errorf("expected %d rules, got %d", env.engine.RulesCount(), stats.Rules)
		}
		if stats.Queue.Waiting == 0 {
			t.Error("expected queued jobs after train and trigger")
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)
	builtin := env.engine.RulesCount()

	t.Run("List", func(t *testing.T) {
		var out struct {
			Rules []domain.RuleInfo `json:"rules"`
			Count int               `json:"count"`
		}
		decode(t, env.do(t, http.MethodGet, "/rules", nil), &out)
		if out.Count != builtin {
			t.Errorf("expected %d rules, got %d", builtin, out.Count)
		}
	})

	t.Run("CreateCEL", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", domain.RuleConfig{
			ID:          "cel-large-night",
			Description: "Large amount at night",
			Expression:  "amount > 1000.0 && hour < 6",
			Severity:    domain.SeverityHigh,
			Type:        domain.AnomalyPattern,
			Enabled:     true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.engine.RulesCount() != builtin+1 {
			t.Errorf("expected rule to be registered")
		}
		stored, err := env.repo.GetRuleConfig(context.Background(), "cel-large-night")
		if err != nil {
			t.Fatalf("expected stored rule: %v", err)
		}
		if !stored.Enabled {
			t.Error("expected stored rule to be enabled")
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		tests := []struct {
			name string
			rule domain.RuleConfig
		}{
			{"BadExpression", domain.RuleConfig{ID: "bad", Description: "d", Expression: "amount >", Severity: domain.SeverityLow, Type: domain.AnomalyAmount}},
			{"NonBool", domain.RuleConfig{ID: "num", Description: "d", Expression: "amount * 2.0", Severity: domain.SeverityLow, Type: domain.AnomalyAmount}},
			{"MissingSeverity", domain.RuleConfig{ID: "sev", Description: "d", Expression: "amount > 1.0", Type: domain.AnomalyAmount}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, "/rules", tt.rule)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("CreateBuiltinID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", domain.RuleConfig{
			ID:          rules.RuleVelocityRapid,
			Description: "shadow",
			Expression:  "true",
			Severity:    domain.SeverityLow,
			Type:        domain.AnomalyFrequency,
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("DisableEnable", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/cel-large-night/disable", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		stored, err := env.repo.GetRuleConfig(context.Background(), "cel-large-night")
		if err != nil {
			t.Fatal(err)
		}
		if stored.Enabled {
			t.Error("expected stored rule to be disabled")
		}

		rr = env.do(t, http.MethodPost, "/rules/"+rules.RuleVelocityRapid+"/disable", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("builtin disable: expected status 200, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodPost, "/rules/"+rules.RuleVelocityRapid+"/enable", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("builtin enable: expected status 200, got %d", rr.Code)
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/no-such-rule/enable", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var out struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	decode(t, rr, &out)
	if out.Status != "healthy" || out.Version != "test-v1" {
		t.Errorf("unexpected health: %+v", out)
	}
	if out.Components["repository"] != "healthy" {
		t.Errorf("expected healthy repository, got %q", out.Components["repository"])
	}

	if rr := env.do(t, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
		t.Errorf("ready: expected status 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestServer(t)
	env.do(t, http.MethodGet, "/health", nil)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "kestrel_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/users/user-001/alerts", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := TracingMiddleware(RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if got := rr.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("expected caller request id to be echoed, got %q", got)
	}
	if rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected X-Trace-ID header to be set")
	}
}
