package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/Mindburn-Labs/helm-quorum/pkg/admission"
	"github.com/Mindburn-Labs/helm-quorum/pkg/archive"
	"github.com/Mindburn-Labs/helm-quorum/pkg/config"
	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `quorum doctor`.
//
// Exit codes:
//
//	0 = all checks pass (warnings allowed)
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	results = append(results, checkProfile(cfg), checkArchive(ctx, cfg), checkRedis(ctx, cfg), checkTokens(cfg), checkTelemetry(cfg))

	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "\n%sQuorum Doctor%s\n", ColorBold+ColorPurple, ColorReset)
		fmt.Fprintln(stdout, "─────────────")
		for _, r := range results {
			icon := ColorGreen + "ok  " + ColorReset
			switch r.Status {
			case "warn":
				icon = ColorYellow + "warn" + ColorReset
			case "fail":
				icon = ColorRed + "fail" + ColorReset
			}
			fmt.Fprintf(stdout, "  %s  %-14s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		}
	}

	if allOK {
		return 0
	}
	return 1
}

func checkProfile(cfg *config.Config) checkResult {
	if cfg.ProfilePath == "" {
		return checkResult{Name: "profile", Status: "ok", Detail: "built-in defaults"}
	}
	p, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return checkResult{Name: "profile", Status: "fail", Detail: err.Error()}
	}
	if _, err := p.EngineConfig(); err != nil {
		return checkResult{Name: "profile", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "profile", Status: "ok", Detail: fmt.Sprintf("%s (version %s)", cfg.ProfilePath, p.Version)}
}

func checkArchive(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.ArchiveDSN == "" {
		return checkResult{Name: "archive", Status: "warn", Detail: "QUORUM_ARCHIVE_DSN not set (decisions are not archived)"}
	}
	store, err := archive.Open(ctx, cfg.ArchiveDSN)
	if err != nil {
		return checkResult{Name: "archive", Status: "fail", Detail: err.Error()}
	}
	defer func() { _ = store.Close() }()
	records, err := store.List(ctx, 1)
	if err != nil {
		return checkResult{Name: "archive", Status: "fail", Detail: err.Error()}
	}
	detail := "reachable, empty"
	if len(records) > 0 {
		detail = "reachable, last decision " + records[0].FinalizedAt.Format(time.RFC3339)
	}
	return checkResult{Name: "archive", Status: "ok", Detail: detail}
}

func checkRedis(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.RedisAddr == "" {
		return checkResult{Name: "redis", Status: "warn", Detail: "QUORUM_REDIS_ADDR not set (events stay in process)"}
	}
	bridge := events.DialRedisBridge(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.RedisChannel)
	defer func() { _ = bridge.Close() }()
	if err := bridge.Ping(ctx); err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "redis", Status: "ok", Detail: fmt.Sprintf("%s channel=%s", cfg.RedisAddr, bridge.Channel())}
}

func checkTokens(cfg *config.Config) checkResult {
	if cfg.TokenSecret == "" {
		return checkResult{Name: "admission", Status: "warn", Detail: "QUORUM_TOKEN_SECRET not set (votes bypass the admission gate)"}
	}
	if _, err := admission.NewTokenIssuer([]byte(cfg.TokenSecret)); err != nil {
		return checkResult{Name: "admission", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "admission", Status: "ok", Detail: "token secret configured"}
}

func checkTelemetry(cfg *config.Config) checkResult {
	if !cfg.Telemetry {
		return checkResult{Name: "telemetry", Status: "ok", Detail: "disabled"}
	}
	return checkResult{Name: "telemetry", Status: "ok", Detail: "OTLP " + cfg.OTLPEndpoint}
}
