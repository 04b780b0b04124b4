package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/protocol"
)

type options struct {
	baseURL        string
	callerID       string
	scope          string
	requests       int
	interDelay     time.Duration
	requestTimeout time.Duration
	messages       []string
	verbose        bool
}

var defaultMessages = []string{
	"show me my productivity trends",
	"when should I schedule deep work?",
	"create a summary report for this week",
	"hmm",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfroute: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfroute: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var messagesRaw string
	var interMS, timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "coordinator base URL")
	flag.StringVar(&cfg.callerID, "caller-id", "perf-replay", "caller id sent in the identity header")
	flag.StringVar(&cfg.scope, "scope", "perf", "record scope for every request")
	flag.IntVar(&cfg.requests, "requests", 20, "number of requests to replay")
	flag.IntVar(&interMS, "inter-request-ms", 50, "delay between requests in milliseconds")
	flag.IntVar(&timeoutMS, "request-timeout-ms", 5000, "timeout waiting for each route_result in milliseconds")
	flag.StringVar(&messagesRaw, "messages", "", "messages separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every result")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.requests <= 0 {
		return options{}, fmt.Errorf("requests must be > 0")
	}
	if timeoutMS <= 0 {
		return options{}, fmt.Errorf("request-timeout-ms must be > 0")
	}
	cfg.interDelay = time.Duration(interMS) * time.Millisecond
	cfg.requestTimeout = time.Duration(timeoutMS) * time.Millisecond
	cfg.messages = splitMessages(messagesRaw)
	return cfg, nil
}

func splitMessages(raw string) []string {
	var out []string
	for _, m := range strings.Split(raw, "|") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return defaultMessages
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	wsURL, err := coordinatorWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	header.Set(identity.HeaderCallerID, cfg.callerID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var (
		latencies      []time.Duration
		clarifications int
		failures       int
	)
	for i := 0; i < cfg.requests; i++ {
		msg := cfg.messages[i%len(cfg.messages)]
		requestID := fmt.Sprintf("perf-%d", i+1)
		start := time.Now()
		if err := conn.WriteJSON(protocol.RouteRequest{
			Type:      protocol.TypeRouteRequest,
			RequestID: requestID,
			Request:   protocol.Request{Message: msg, RecordScope: cfg.scope},
		}); err != nil {
			return fmt.Errorf("request %d send: %w", i+1, err)
		}

		res, err := awaitResult(conn, requestID, cfg.requestTimeout)
		if err != nil {
			return fmt.Errorf("request %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		latencies = append(latencies, elapsed)
		switch {
		case !res.Envelope.Success:
			failures++
		case res.Envelope.Metadata.NeedsClarification:
			clarifications++
		}
		if cfg.verbose {
			fmt.Printf("perfroute: %s text=%q capability=%s confidence=%d path=%s elapsed=%s\n",
				requestID, msg, res.Envelope.Metadata.Capability, res.Envelope.Metadata.Confidence,
				res.Envelope.Metadata.Path, elapsed.Round(time.Millisecond))
		}
		if cfg.interDelay > 0 && i < cfg.requests-1 {
			time.Sleep(cfg.interDelay)
		}
	}

	s := summarize(latencies)
	fmt.Printf("perfroute: requests=%d clarifications=%d failures=%d p50=%s p95=%s max=%s\n",
		len(latencies), clarifications, failures, s.p50, s.p95, s.max)

	stages, err := fetchStages(ctx, cfg.baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfroute: fetch server stages: %v\n", err)
		return nil
	}
	fmt.Printf("perfroute: server stages %s\n", stages)
	return nil
}

// awaitResult reads frames until the route_result for requestID arrives.
func awaitResult(conn *websocket.Conn, requestID string, timeout time.Duration) (protocol.RouteResult, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.RouteResult{}, err
		}
		var h protocol.Header
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		switch h.Type {
		case protocol.TypeRouteResult:
			var res protocol.RouteResult
			if err := json.Unmarshal(data, &res); err != nil {
				return protocol.RouteResult{}, err
			}
			if res.RequestID == requestID {
				return res, nil
			}
		case protocol.TypeErrorEvent:
			var ev protocol.ErrorEvent
			_ = json.Unmarshal(data, &ev)
			return protocol.RouteResult{}, fmt.Errorf("error_event code=%s detail=%s", ev.Code, ev.Detail)
		}
	}
}

func coordinatorWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/coordinator/ws"
	return u.String(), nil
}

type latencySummary struct {
	p50, p95, max time.Duration
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q*float64(len(sorted)-1) + 0.5)
		return sorted[idx]
	}
	return latencySummary{p50: at(0.50), p95: at(0.95), max: sorted[len(sorted)-1]}
}

func fetchStages(ctx context.Context, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return "", err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", res.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
