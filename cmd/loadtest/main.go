package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/httpapi"
)

const (
	checkoutPath   = "/api/billing/checkout"
	methodCheckout = "checkout"
	methodScenario = "scenario"
	outcomeOK      = "200"
)

type loadMode string

const (
	// modeReplay отправляет запрос и повторяет его с тем же ключом.
	modeReplay loadMode = "replay"
	// modeRace отправляет fanout одинаковых запросов с одним ключом одновременно.
	modeRace loadMode = "race"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	fanout      int
	timeout     time.Duration
	mode        loadMode
	workspaces  []string
	userID      string
	planCode    string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	Divergences       int64                   `json:"divergences"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	outcomes  map[string]int64
	latencies []float64
}

type collector struct {
	mu          sync.Mutex
	methods     map[string]*methodStats
	divergences int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func (c *collector) record(method string, latency time.Duration, outcome string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.methods[method]
	if !exists {
		stats = &methodStats{
			outcomes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.outcomes[outcome]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) recordDivergence() {
	c.mu.Lock()
	c.divergences++
	c.mu.Unlock()
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Divergences:     c.divergences,
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenarioStats := c.methods[methodScenario]; scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		outcomes := make(map[string]int64, len(stats.outcomes))
		for outcome, count := range stats.outcomes {
			outcomes[outcome] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Outcomes:  outcomes,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	return result
}

func parseConfig(args []string) (config, error) {
	var (
		cfg           config
		modeValue     string
		workspacesRaw string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "billing API base URL")
	fs.IntVar(&cfg.total, "total", 200, "total scenarios in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent scenarios")
	fs.IntVar(&cfg.fanout, "fanout", 4, "requests per key in race mode")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeReplay), "load mode: replay | race")
	fs.StringVar(&workspacesRaw, "workspaces", "ws-1", "comma-separated workspace ids")
	fs.StringVar(&cfg.userID, "user", "user-1", "user id with owner or admin role")
	fs.StringVar(&cfg.planCode, "plan", "pro_monthly", "plan code for subscription checkout")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	for _, ws := range strings.Split(workspacesRaw, ",") {
		if ws = strings.TrimSpace(ws); ws != "" {
			cfg.workspaces = append(cfg.workspaces, ws)
		}
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	if cfg.baseURL == "" {
		return cfg, errors.New("addr is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.fanout < 2 && cfg.mode == modeRace {
		return cfg, errors.New("fanout must be >= 2 in race mode")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if len(cfg.workspaces) == 0 {
		return cfg, errors.New("at least one workspace is required")
	}
	if strings.TrimSpace(cfg.userID) == "" {
		return cfg, errors.New("user is required")
	}
	if strings.TrimSpace(cfg.planCode) == "" {
		return cfg, errors.New("plan is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeReplay:
		return modeReplay, nil
	case modeRace:
		return modeRace, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := runLoad(&http.Client{}, cfg)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || result.Divergences > 0 {
		os.Exit(1)
	}
}

// runLoad выполняет сценарии в cfg.concurrency воркерах и собирает отчёт.
func runLoad(client *http.Client, cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(client, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// checkoutOutcome хранит результат одного POST /checkout.
type checkoutOutcome struct {
	status    int
	code      domain.ErrorCode
	sessionID string
}

func (o checkoutOutcome) label() string {
	if o.status == http.StatusOK {
		return outcomeOK
	}
	if o.code != "" {
		return fmt.Sprintf("%d %s", o.status, o.code)
	}
	return fmt.Sprintf("%d", o.status)
}

// acceptable сообщает, может ли сервис вернуть такой ответ на повтор или гонку.
func (o checkoutOutcome) acceptable() bool {
	if o.status == http.StatusOK {
		return o.sessionID != ""
	}
	if o.status != http.StatusConflict {
		return false
	}
	switch o.code {
	case domain.ErrorCodeRequestInProgress,
		domain.ErrorCodeCheckoutInProgress,
		domain.ErrorCodeSessionOpen,
		domain.ErrorCodeCompletionPending,
		domain.ErrorCodeRecoveryVerificationPending,
		domain.ErrorCodeSubscriptionExistsUsePortal:
		return true
	default:
		return false
	}
}

// runScenario проверяет, что все успешные ответы на один ключ ссылаются на одну сессию.
func runScenario(client *http.Client, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioOutcome := outcomeOK
	scenarioOK := true
	defer func() {
		col.record(methodScenario, time.Since(scenarioStart), scenarioOutcome, scenarioOK)
	}()
	fail := func(outcome string, err error) error {
		scenarioOutcome = outcome
		scenarioOK = false
		return err
	}

	workspace := cfg.workspaces[index%len(cfg.workspaces)]
	key := fmt.Sprintf("lt-%s-%d", runID, index)

	var outcomes []checkoutOutcome
	switch cfg.mode {
	case modeRace:
		outcomes = make([]checkoutOutcome, cfg.fanout)
		errs := make([]error, cfg.fanout)
		var wg sync.WaitGroup
		for i := 0; i < cfg.fanout; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i], errs[i] = callCheckout(client, cfg, workspace, key, col)
			}(i)
		}
		wg.Wait()
		if err := errors.Join(errs...); err != nil {
			return fail("transport", err)
		}
	default:
		for i := 0; i < 2; i++ {
			outcome, err := callCheckout(client, cfg, workspace, key, col)
			if err != nil {
				return fail("transport", err)
			}
			outcomes = append(outcomes, outcome)
		}
	}

	sessionID := ""
	for _, outcome := range outcomes {
		if !outcome.acceptable() {
			return fail(outcome.label(), fmt.Errorf("unexpected checkout response: %s", outcome.label()))
		}
		if outcome.status != http.StatusOK {
			continue
		}
		if sessionID == "" {
			sessionID = outcome.sessionID
			continue
		}
		if outcome.sessionID != sessionID {
			col.recordDivergence()
			return fail("divergent", fmt.Errorf("key %s returned sessions %s and %s", key, sessionID, outcome.sessionID))
		}
	}
	return nil
}

func callCheckout(client *http.Client, cfg config, workspace, key string, col *collector) (checkoutOutcome, error) {
	body, err := json.Marshal(domain.CheckoutPayload{
		CheckoutType: string(domain.CheckoutFlowSubscription),
		PlanCode:     cfg.planCode,
	})
	if err != nil {
		return checkoutOutcome{}, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+checkoutPath, bytes.NewReader(body))
	if err != nil {
		return checkoutOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.HeaderIdempotencyKey, key)
	req.Header.Set(httpapi.HeaderWorkspaceID, workspace)
	req.Header.Set(httpapi.HeaderUserID, cfg.userID)

	resp, err := client.Do(req)
	if err != nil {
		col.record(methodCheckout, time.Since(start), "transport", false)
		return checkoutOutcome{}, err
	}
	defer resp.Body.Close()

	outcome, err := decodeOutcome(resp)
	col.record(methodCheckout, time.Since(start), outcome.label(), err == nil && outcome.acceptable())
	return outcome, err
}

func decodeOutcome(resp *http.Response) (checkoutOutcome, error) {
	outcome := checkoutOutcome{status: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome, err
	}
	if resp.StatusCode == http.StatusOK {
		var body domain.CheckoutResponse
		if err := json.Unmarshal(raw, &body); err != nil {
			return outcome, fmt.Errorf("decode checkout response: %w", err)
		}
		outcome.sessionID = body.CheckoutSession.ProviderCheckoutSessionID
		return outcome, nil
	}
	var body struct {
		Error struct {
			Code domain.ErrorCode `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		outcome.code = body.Error.Code
	}
	return outcome, nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	fmt.Fprintln(out, "Checkout load test summary")
	fmt.Fprintf(out, "mode=%s run=%s total=%d success=%d failed=%d divergences=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.Divergences,
		result.ErrorRate,
	)
	fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == methodScenario {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Fprintf(out,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
		outcomes := make([]string, 0, len(stats.Outcomes))
		for outcome, count := range stats.Outcomes {
			outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, count))
		}
		sort.Strings(outcomes)
		fmt.Fprintf(out, "  outcomes: %s\n", strings.Join(outcomes, " "))
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
