package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ongoingai/goldentrace/internal/trace"
)

const (
	defaultTracesFormat = "text"
	defaultTracesLimit  = 50
	maxTracesLimit      = 1000
)

type traceListItem struct {
	TraceID      string     `json:"trace_id"`
	AgentID      string     `json:"agent_id"`
	Success      *bool      `json:"success"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	DurationMS   int64      `json:"duration_ms"`
	SpanCount    int        `json:"span_count"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	ContentHash  string     `json:"content_hash"`
}

type traceListDocument struct {
	AgentID string          `json:"agent_id,omitempty"`
	Total   int             `json:"total"`
	Items   []traceListItem `json:"items"`
}

func runTraces(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printTracesUsage(errOut)
		return 2
	}

	switch args[0] {
	case "list":
		return runTracesList(args[1:], out, errOut)
	case "show":
		return runTracesShow(args[1:], out, errOut)
	case "delete":
		return runTracesDelete(args[1:], out, errOut)
	case "import":
		return runTracesImport(args[1:], out, errOut)
	default:
		printTracesUsage(errOut)
		return 2
	}
}

func runTracesList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	agentID := flagSet.String("agent", "", "Only list traces of this agent")
	limit := flagSet.Int("limit", defaultTracesLimit, "Maximum traces to print (1-1000)")
	format := flagSet.String("format", defaultTracesFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "traces list does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("traces list", *format, defaultTracesFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxTracesLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxTracesLimit)
		return 2
	}

	_, store, ok := openConfiguredStore(*configPath, errOut)
	if !ok {
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	ctx := context.Background()
	agent := strings.TrimSpace(*agentID)
	total, err := trace.CountTraces(ctx, store, agent)
	if err != nil {
		fmt.Fprintf(errOut, "failed to count traces: %v\n", err)
		return 1
	}
	traces, err := trace.ListTracesLimit(ctx, store, agent, *limit)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list traces: %v\n", err)
		return 1
	}

	doc := traceListDocument{AgentID: agent, Total: total, Items: make([]traceListItem, 0, len(traces))}
	for _, t := range traces {
		doc.Items = append(doc.Items, newTraceListItem(t))
	}

	if normalizedFormat == "json" {
		if err := writeJSONOutput(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to encode traces: %v\n", err)
			return 1
		}
		return 0
	}
	writeTraceListText(out, doc)
	return 0
}

func newTraceListItem(t *trace.Trace) traceListItem {
	item := traceListItem{
		TraceID:      t.TraceID,
		AgentID:      t.AgentID,
		Success:      t.Success,
		StartTime:    t.StartTime,
		DurationMS:   t.Duration().Milliseconds(),
		SpanCount:    len(t.Spans),
		TotalCostUSD: t.TotalCostUSD(),
		ContentHash:  t.ContentHash(),
	}
	if t.Finished() {
		end := t.EndTime
		item.EndTime = &end
	}
	return item
}

func writeTraceListText(out io.Writer, doc traceListDocument) {
	if len(doc.Items) == 0 {
		fmt.Fprintln(out, "no traces found")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACE ID\tAGENT\tSUCCESS\tSPANS\tCOST USD\tDURATION\tSTARTED")
	for _, item := range doc.Items {
		fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%d\t%.6f\t%s\t%s\n",
			item.TraceID,
			item.AgentID,
			formatSuccess(item.Success),
			item.SpanCount,
			item.TotalCostUSD,
			formatDuration(time.Duration(item.DurationMS)*time.Millisecond),
			item.StartTime.UTC().Format(time.RFC3339),
		)
	}
	_ = tw.Flush()
	if doc.Total > len(doc.Items) {
		fmt.Fprintf(out, "showing %d of %d traces\n", len(doc.Items), doc.Total)
	}
}

func runTracesShow(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces show", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	redacted := flagSet.Bool("redact", false, "Scrub credentials and emails from the output")
	format := flagSet.String("format", defaultTracesFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "traces show requires exactly one TRACE_ID")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("traces show", *format, defaultTracesFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	_, store, ok := openConfiguredStore(*configPath, errOut)
	if !ok {
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	t, code := loadTraceOrReport(context.Background(), store, flagSet.Arg(0), errOut)
	if t == nil {
		return code
	}

	var opts []trace.RecordOption
	if *redacted {
		opts = append(opts, trace.Redacted())
	}
	record := t.Record(opts...)
	if normalizedFormat == "json" {
		if err := writeJSONOutput(out, record); err != nil {
			fmt.Fprintf(errOut, "failed to encode trace: %v\n", err)
			return 1
		}
		return 0
	}

	if *redacted {
		// The text view renders from the model, so rebuild it from the redacted record.
		view, err := trace.FromRecord(record)
		if err != nil {
			fmt.Fprintf(errOut, "failed to render redacted trace: %v\n", err)
			return 1
		}
		t = view
	}
	writeTraceText(out, t)
	return 0
}

func writeTraceText(out io.Writer, t *trace.Trace) {
	fmt.Fprintf(out, "trace:    %s\n", t.TraceID)
	fmt.Fprintf(out, "agent:    %s\n", t.AgentID)
	fmt.Fprintf(out, "success:  %s\n", formatSuccess(t.Success))
	fmt.Fprintf(out, "started:  %s\n", t.StartTime.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(out, "duration: %s\n", formatDuration(t.Duration()))
	fmt.Fprintf(out, "cost usd: %.6f\n", t.TotalCostUSD())
	fmt.Fprintf(out, "input:    %s\n", t.TaskInput)
	fmt.Fprintf(out, "output:   %s\n", t.TaskOutput)
	if len(t.Spans) == 0 {
		fmt.Fprintln(out, "spans:    none")
		return
	}

	fmt.Fprintln(out, "spans:")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tKIND\tSTATUS\tDURATION\tCOST USD\tOUTPUT")
	for _, node := range t.TreeOrder() {
		span := node.Span
		output := span.OutputData.String()
		if span.Error != "" {
			output = "error: " + span.Error
		}
		fmt.Fprintf(
			tw,
			"  %s%s\t%s\t%s\t%s\t%.6f\t%s\n",
			strings.Repeat("  ", node.Depth),
			span.Name,
			span.Kind,
			span.Status,
			formatDuration(span.Duration()),
			span.CostUSD,
			truncateForDisplay(output, 60),
		)
	}
	_ = tw.Flush()
}

func runTracesDelete(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces delete", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "traces delete requires exactly one TRACE_ID")
		return 2
	}
	traceID := strings.TrimSpace(flagSet.Arg(0))
	if err := trace.ValidateTraceID(traceID); err != nil {
		fmt.Fprintf(errOut, "invalid trace id: %v\n", err)
		return 2
	}

	_, store, ok := openConfiguredStore(*configPath, errOut)
	if !ok {
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	deleted, err := store.Delete(context.Background(), traceID)
	if err != nil {
		fmt.Fprintf(errOut, "failed to delete trace: %v\n", err)
		return 1
	}
	if !deleted {
		fmt.Fprintf(errOut, "trace %s not found\n", traceID)
		return 1
	}
	fmt.Fprintf(out, "deleted trace %s\n", traceID)
	return 0
}

func runTracesImport(args []string, out io.Writer, errOut io.Writer) int {
	return runTracesImportFrom(args, os.Stdin, out, errOut)
}

func runTracesImportFrom(args []string, stdin io.Reader, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces import", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() == 0 {
		fmt.Fprintln(errOut, "traces import requires at least one FILE (use - for stdin)")
		return 2
	}

	_, store, ok := openConfiguredStore(*configPath, errOut)
	if !ok {
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	ctx := context.Background()
	failed := 0
	for _, path := range flagSet.Args() {
		t, err := readTraceFile(path, stdin)
		if err == nil {
			err = store.Save(ctx, t)
		}
		if err != nil {
			failed++
			fmt.Fprintf(errOut, "failed to import %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "imported trace %s (%s)\n", t.TraceID, t.ContentHash())
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// readTraceFile decodes one serialized trace record. Files ending in .yaml
// or .yml are YAML; everything else, stdin included, is JSON.
func readTraceFile(path string, stdin io.Reader) (*trace.Trace, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var record trace.Record
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		err = decoder.Decode(&record)
	default:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		err = decoder.Decode(&record)
	}
	if err != nil {
		return nil, fmt.Errorf("decode trace record: %w", err)
	}

	t, err := trace.FromRecord(record)
	if err != nil {
		return nil, err
	}
	if err := trace.ValidateTraceID(t.TraceID); err != nil {
		return nil, err
	}
	return t, nil
}

// loadTraceOrReport returns the trace or, when it cannot be loaded, nil and
// the exit code to use.
func loadTraceOrReport(ctx context.Context, store trace.TraceStore, rawID string, errOut io.Writer) (*trace.Trace, int) {
	traceID := strings.TrimSpace(rawID)
	if err := trace.ValidateTraceID(traceID); err != nil {
		fmt.Fprintf(errOut, "invalid trace id: %v\n", err)
		return nil, 2
	}
	t, found, err := store.Load(ctx, traceID)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load trace %s: %v\n", traceID, err)
		return nil, 1
	}
	if !found {
		fmt.Fprintf(errOut, "trace %s not found\n", traceID)
		return nil, 1
	}
	return t, 0
}

func truncateForDisplay(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func printTracesUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  goldentrace traces list [--config PATH] [--agent ID] [--limit N] [--format text|json]")
	fmt.Fprintln(out, "  goldentrace traces show [--config PATH] [--redact] [--format text|json] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace traces delete [--config PATH] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace traces import [--config PATH] FILE|- [FILE...]")
}
