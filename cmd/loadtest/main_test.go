package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/billing/internal/app"
	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/httpapi"
	"github.com/vladislavdragonenkov/billing/internal/service/payment"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

// newBillingServer поднимает API на in-memory хранилище с mock-провайдером.
func newBillingServer(t *testing.T, workspaces ...string) *httptest.Server {
	t.Helper()

	data := app.SeedData{
		Plans: []app.SeedPlan{{
			Code:   "pro_monthly",
			Name:   "Pro",
			Active: true,
			Prices: []domain.PlanPrice{{ProviderPriceID: "price_pro", Currency: "usd", AmountMinor: 2900, Interval: "month"}},
		}},
	}
	for i, ws := range workspaces {
		data.Entities = append(data.Entities, app.SeedEntity{ID: fmt.Sprintf("be-%d", i), WorkspaceID: ws})
		data.Members = append(data.Members, app.SeedMember{WorkspaceID: ws, UserID: "user-1", Role: domain.WorkspaceRoleOwner})
	}
	repo := memory.NewBillingRepository()
	if err := app.ApplySeed(context.Background(), repo, data); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	cfg := app.DefaultConfig()
	cfg.AllowMockProvider = true
	services, err := app.BuildServices(cfg, repo, app.Integrations{
		Provider:   payment.NewMockProvider(),
		Registerer: prometheus.NewRegistry(),
	}, nil)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}

	srv := httptest.NewServer(services.HTTPHandler(cfg).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string, mode loadMode, workspaces ...string) config {
	return config{
		baseURL:     baseURL,
		total:       8,
		concurrency: 4,
		fanout:      4,
		timeout:     5 * time.Second,
		mode:        mode,
		workspaces:  workspaces,
		userID:      "user-1",
		planCode:    "pro_monthly",
	}
}

func TestParseMode(t *testing.T) {
	for _, value := range []string{"replay", " race "} {
		if _, err := parseMode(value); err != nil {
			t.Fatalf("parseMode(%q): %v", value, err)
		}
	}
	if _, err := parseMode("create-pay"); err == nil {
		t.Fatal("expected error for unsupported mode")
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-addr", "http://billing:8080/", "-mode", "race", "-workspaces", "ws-1, ,ws-2"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.baseURL != "http://billing:8080" {
		t.Fatalf("trailing slash must be trimmed: %s", cfg.baseURL)
	}
	if cfg.mode != modeRace || len(cfg.workspaces) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.totalSet {
		t.Fatal("total was not set explicitly")
	}

	cfg, err = parseConfig([]string{"-duration", "1s", "-total", "5"})
	if err != nil {
		t.Fatalf("parseConfig with duration: %v", err)
	}
	if !cfg.totalSet || cfg.total != 5 {
		t.Fatalf("expected explicit total, got %+v", cfg)
	}

	invalid := [][]string{
		{"-total", "0"},
		{"-duration", "-1s"},
		{"-concurrency", "0"},
		{"-mode", "race", "-fanout", "1"},
		{"-timeout", "0s"},
		{"-workspaces", " , "},
		{"-user", " "},
		{"-plan", ""},
		{"-mode", "bogus"},
	}
	for _, args := range invalid {
		if _, err := parseConfig(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestDispatchJobs(t *testing.T) {
	jobs := make(chan int, 10)
	dispatchJobs(jobs, config{total: 3})
	var got []int
	for id := range jobs {
		got = append(got, id)
	}
	if len(got) != 3 || got[2] != 2 {
		t.Fatalf("unexpected jobs: %v", got)
	}

	jobs = make(chan int)
	done := make(chan int)
	go func() {
		count := 0
		for range jobs {
			count++
		}
		done <- count
	}()
	dispatchJobs(jobs, config{duration: 20 * time.Millisecond, total: 5, totalSet: true})
	if count := <-done; count > 5 {
		t.Fatalf("explicit total must cap duration mode, got %d", count)
	}
}

func TestCollectorAndReport(t *testing.T) {
	col := newCollector()
	col.record(methodScenario, 10*time.Millisecond, outcomeOK, true)
	col.record(methodScenario, 30*time.Millisecond, "divergent", false)
	col.record(methodCheckout, 5*time.Millisecond, outcomeOK, true)
	col.record(methodCheckout, 7*time.Millisecond, "409 REQUEST_IN_PROGRESS", true)
	col.recordDivergence()

	result := col.buildReport(time.Now(), time.Second)
	if result.TotalScenarios != 2 || result.FailedScenarios != 1 || result.Divergences != 1 {
		t.Fatalf("unexpected report: %+v", result)
	}
	if result.ErrorRate != 0.5 || result.RPS != 2 {
		t.Fatalf("unexpected rates: error=%f rps=%f", result.ErrorRate, result.RPS)
	}
	if got := result.Methods[methodCheckout].Outcomes["409 REQUEST_IN_PROGRESS"]; got != 1 {
		t.Fatalf("expected in-progress outcome, got %d", got)
	}

	var out bytes.Buffer
	printReport(&out, result, config{mode: modeRace, total: 2})
	if !strings.Contains(out.String(), "divergences=1") || !strings.Contains(out.String(), "409 REQUEST_IN_PROGRESS=1") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := percentile([]float64{1, 2, 3, 4}, 50); got != 2.5 {
		t.Fatalf("p50: %f", got)
	}
	if got := percentile(nil, 99); got != 0 {
		t.Fatalf("empty percentile: %f", got)
	}
	if ratio(1, 0) != 0 || ratio(1, 4) != 0.25 {
		t.Fatal("unexpected ratio")
	}
	summary := buildLatencySummary([]float64{3, 1, 2})
	if summary.Min != 1 || summary.Max != 3 || summary.Avg != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := runTarget(config{duration: time.Minute, total: 10, totalSet: true}); got != "duration:1m0s,max-total:10" {
		t.Fatalf("unexpected run target: %s", got)
	}
}

func TestCheckoutOutcomeAcceptable(t *testing.T) {
	cases := []struct {
		outcome checkoutOutcome
		want    bool
	}{
		{checkoutOutcome{status: http.StatusOK, sessionID: "cs_1"}, true},
		{checkoutOutcome{status: http.StatusOK}, false},
		{checkoutOutcome{status: http.StatusConflict, code: domain.ErrorCodeRequestInProgress}, true},
		{checkoutOutcome{status: http.StatusConflict, code: domain.ErrorCodeIdempotencyKeyReused}, false},
		{checkoutOutcome{status: http.StatusInternalServerError, code: domain.ErrorCodeInternal}, false},
	}
	for _, tc := range cases {
		if got := tc.outcome.acceptable(); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.outcome.label(), tc.want, got)
		}
	}
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()

	if err := writeJSONReport("report.json", report{TotalScenarios: 3, Divergences: 1}); err != nil {
		t.Fatalf("writeJSONReport: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalScenarios != 3 || decoded.Divergences != 1 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	if err := writeJSONReport("../escape.json", report{}); err == nil {
		t.Fatal("expected error for path outside current directory")
	}
	if err := writeJSONReport(".", report{}); err == nil {
		t.Fatal("expected error for directory path")
	}
}

func TestRunLoad_ReplayAgainstBillingAPI(t *testing.T) {
	srv := newBillingServer(t, "ws-1", "ws-2")

	result := runLoad(srv.Client(), testConfig(srv.URL, modeReplay, "ws-1", "ws-2"))
	if result.TotalScenarios != 8 {
		t.Fatalf("expected 8 scenarios, got %d", result.TotalScenarios)
	}
	if result.FailedScenarios != 0 || result.Divergences != 0 {
		t.Fatalf("replay must converge: %+v", result.Methods)
	}
}

func TestRunLoad_RaceAgainstBillingAPI(t *testing.T) {
	srv := newBillingServer(t, "ws-1")

	result := runLoad(srv.Client(), testConfig(srv.URL, modeRace, "ws-1"))
	if result.Divergences != 0 {
		t.Fatalf("concurrent requests with one key must share a session: %+v", result.Methods)
	}
	if result.FailedScenarios != 0 {
		t.Fatalf("unexpected failures: %+v", result.Methods)
	}
}

func TestRunScenario_DetectsDivergence(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(httpapi.HeaderIdempotencyKey) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.CheckoutResponse{
			CheckoutSession: domain.CheckoutSessionResponse{ProviderCheckoutSessionID: fmt.Sprintf("cs_%d", n)},
		})
	}))
	defer srv.Close()

	col := newCollector()
	err := runScenario(srv.Client(), testConfig(srv.URL, modeReplay, "ws-1"), 0, "run", col)
	if err == nil {
		t.Fatal("expected divergence error")
	}
	result := col.buildReport(time.Now(), time.Second)
	if result.Divergences != 1 || result.Methods[methodScenario].Outcomes["divergent"] != 1 {
		t.Fatalf("divergence not recorded: %+v", result)
	}
}

func TestRunScenario_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"internal error"}}`))
	}))
	defer srv.Close()

	col := newCollector()
	if err := runScenario(srv.Client(), testConfig(srv.URL, modeReplay, "ws-1"), 0, "run", col); err == nil {
		t.Fatal("expected error for 500 response")
	}
	result := col.buildReport(time.Now(), time.Second)
	if result.Methods[methodCheckout].Outcomes["500 INTERNAL_ERROR"] == 0 {
		t.Fatalf("expected 500 outcome, got %+v", result.Methods[methodCheckout].Outcomes)
	}
}
