package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ongoingai/goldentrace/internal/replay"
	"github.com/ongoingai/goldentrace/internal/trace"
)

type diffDocument struct {
	A         string              `json:"a"`
	B         string              `json:"b"`
	Identical bool                `json:"identical"`
	Diffs     []replay.DiffRecord `json:"diffs"`
}

func runReplay(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("replay", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	overrides := overridesFlag{}
	flagSet.Var(overrides, "override", "Replace a span's output: SPAN=JSON (repeatable)")
	redacted := flagSet.Bool("redact", false, "Scrub credentials and emails from the output")
	format := flagSet.String("format", defaultTracesFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "replay requires exactly one TRACE_ID")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("replay", *format, defaultTracesFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, store, ok := openConfiguredStore(*configPath, errOut)
	if !ok {
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	t, code := loadTraceOrReport(context.Background(), store, flagSet.Arg(0), errOut)
	if t == nil {
		return code
	}

	engine := replay.New(replay.WithLogger(newLogger(errOut, cfg.Logging)))
	result := engine.Replay(t, overrides)
	if *redacted {
		result.Redact()
	}

	if normalizedFormat == "json" {
		if err := writeJSONOutput(out, result); err != nil {
			fmt.Fprintf(errOut, "failed to encode replay result: %v\n", err)
			return 1
		}
		return 0
	}
	writeReplayText(out, result)
	return 0
}

func writeReplayText(out io.Writer, result *replay.Result) {
	fmt.Fprintf(out, "trace:   %s\n", result.TraceID)
	fmt.Fprintf(out, "steps:   %d/%d executed\n", result.StepsExecuted, result.StepsTotal)
	if result.DivergencePoint != "" {
		fmt.Fprintf(out, "diverged at: %s\n", result.DivergencePoint)
	}

	if len(result.Steps) > 0 {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSPAN\tKIND\tOVERRIDDEN\tDIVERGED\tOUTPUT")
		for _, step := range result.Steps {
			fmt.Fprintf(
				tw,
				"%d\t%s\t%s\t%t\t%t\t%s\n",
				step.Position,
				step.SpanName,
				step.Kind,
				step.Overridden,
				step.Diverged,
				truncateForDisplay(step.Output.String(), 60),
			)
		}
		_ = tw.Flush()
	}
	writeDiffRecordsText(out, result.Divergences)
}

func runDiff(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diff", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	redacted := flagSet.Bool("redact", false, "Scrub credentials and emails from the output")
	format := flagSet.String("format", defaultTracesFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 2 {
		fmt.Fprintln(errOut, "diff requires exactly two trace ids: TRACE_A TRACE_B")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("diff", *format, defaultTracesFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, store, ok := openConfiguredStore(*configPath, errOut)
	if !ok {
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	ctx := context.Background()
	var loaded [2]*trace.Trace
	for i := range loaded {
		t, code := loadTraceOrReport(ctx, store, flagSet.Arg(i), errOut)
		if t == nil {
			return code
		}
		loaded[i] = t
	}

	engine := replay.New(replay.WithLogger(newLogger(errOut, cfg.Logging)))
	diffs := engine.Diff(loaded[0], loaded[1])
	if *redacted {
		for i := range diffs {
			diffs[i] = diffs[i].Redacted()
		}
	}
	doc := diffDocument{
		A:         loaded[0].TraceID,
		B:         loaded[1].TraceID,
		Identical: len(diffs) == 0,
		Diffs:     diffs,
	}

	if normalizedFormat == "json" {
		if err := writeJSONOutput(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to encode diff: %v\n", err)
			return 1
		}
		return 0
	}
	if doc.Identical {
		fmt.Fprintf(out, "traces %s and %s are identical\n", doc.A, doc.B)
		return 0
	}
	fmt.Fprintf(out, "traces %s and %s differ\n", doc.A, doc.B)
	writeDiffRecordsText(out, doc.Diffs)
	return 0
}

func writeDiffRecordsText(out io.Writer, records []replay.DiffRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "divergences: none")
		return
	}
	fmt.Fprintln(out, "divergences:")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  KIND\t#\tSPAN\tEXPECTED\tACTUAL")
	for _, record := range records {
		fmt.Fprintf(
			tw,
			"  %s\t%d\t%s\t%s\t%s\n",
			record.Kind,
			record.Position,
			record.SpanName,
			truncateForDisplay(record.Expected.String(), 40),
			truncateForDisplay(record.Actual.String(), 40),
		)
	}
	_ = tw.Flush()
}
