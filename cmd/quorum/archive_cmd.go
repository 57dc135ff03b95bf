package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/helm-quorum/pkg/archive"
	"github.com/Mindburn-Labs/helm-quorum/pkg/config"
)

// runArchiveCmd implements `quorum archive <list|prune>`.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: quorum archive <list|prune> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runArchiveList(args[1:], stdout, stderr)
	case "prune":
		return runArchivePrune(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown archive subcommand: %s\n", args[0])
		return 2
	}
}

func runArchiveList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn        string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&dsn, "dsn", "", "Archive DSN (default: $QUORUM_ARCHIVE_DSN)")
	cmd.IntVar(&limit, "limit", 20, "Maximum records to show")
	cmd.BoolVar(&jsonOutput, "json", false, "Output records as JSON to stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	store, code := openArchive(dsn, stderr)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(context.Background(), limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		if err := archive.WriteJSON(stdout, records); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(records) == 0 {
		_, _ = fmt.Fprintln(stdout, "No archived decisions.")
		return 0
	}
	for _, r := range records {
		verdict := ColorRed + "no consensus" + ColorReset
		if r.Consensus {
			verdict = fmt.Sprintf("%sconsensus (%t)%s", ColorGreen, r.Outcome, ColorReset)
		}
		integrity := ""
		if !r.Verify() {
			integrity = " " + ColorYellow + "[hash mismatch]" + ColorReset
		}
		_, _ = fmt.Fprintf(stdout, "  %s  %s%-36s%s %-12s %-18s %s ratio=%.3f votes=%d/%d%s\n",
			r.FinalizedAt.Format(time.RFC3339), ColorGray, r.ProposalID, ColorReset,
			r.Type, r.Algorithm, verdict, r.Ratio, r.VoteCount, r.EligibleCount, integrity)
	}
	return 0
}

func runArchivePrune(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive prune", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn       string
		olderThan time.Duration
	)
	cmd.StringVar(&dsn, "dsn", "", "Archive DSN (default: $QUORUM_ARCHIVE_DSN)")
	cmd.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete records finalized before now minus this duration")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	store, code := openArchive(dsn, stderr)
	if store == nil {
		return code
	}
	defer func() { _ = store.Close() }()

	n, err := store.Prune(context.Background(), time.Now().Add(-olderThan))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Pruned %d record(s).\n", n)
	return 0
}

func openArchive(dsn string, stderr io.Writer) (archive.Store, int) {
	if dsn == "" {
		dsn = config.Load().ArchiveDSN
	}
	if dsn == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dsn or QUORUM_ARCHIVE_DSN is required")
		return nil, 2
	}
	store, err := archive.Open(context.Background(), dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	return store, 0
}
