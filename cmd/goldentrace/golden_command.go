package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/ongoingai/goldentrace/internal/golden"
	"github.com/ongoingai/goldentrace/internal/observability"
	"github.com/ongoingai/goldentrace/internal/version"
)

func runGolden(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printGoldenUsage(errOut)
		return 2
	}

	switch args[0] {
	case "mark":
		return runGoldenMark(args[1:], out, errOut)
	case "run":
		return runGoldenRun(args[1:], out, errOut)
	case "curate":
		return runGoldenCurate(args[1:], out, errOut)
	default:
		printGoldenUsage(errOut)
		return 2
	}
}

func runGoldenMark(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("golden mark", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	suitePath := flagSet.String("suite", "", "Suite file (defaults to golden.suite_path)")
	suiteName := flagSet.String("suite-name", "", "Name for a newly created suite")
	name := flagSet.String("name", "", "Golden name (defaults to the trace id)")
	goldenID := flagSet.String("id", "", "Golden id (generated when empty)")
	expected := flagSet.String("expected", "", "Expected output (defaults to the trace's task output)")
	tolerance := flagSet.Float64("tolerance", 0, "Allowed dissimilarity in [0, 1]")
	source := flagSet.String("source", string(golden.SourceProduction), "Golden source: production or synthetic")
	var labels stringListFlag
	flagSet.Var(&labels, "label", "Label to attach (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "golden mark requires exactly one TRACE_ID")
		return 2
	}
	parsedSource, err := golden.ParseSource(*source)
	if err != nil {
		fmt.Fprintf(errOut, "invalid source: %v\n", err)
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

	path := resolveSuitePath(*suitePath, cfg.Golden.SuitePath)
	suite, err := golden.LoadOrCreateSuite(path, *suiteName, cfg.Golden.DefaultPassThreshold)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load suite: %v\n", err)
		return 1
	}

	opts := []golden.MarkOption{
		golden.WithGoldenID(*goldenID),
		golden.WithTolerance(*tolerance),
		golden.WithLabels(labels...),
		golden.WithSource(parsedSource),
	}
	if flagWasSet(flagSet, "expected") {
		opts = append(opts, golden.WithExpectedOutput(*expected))
	}
	manager := golden.NewManager(golden.WithLogger(newLogger(errOut, cfg.Logging)))
	g, err := manager.MarkGolden(t, *name, opts...)
	if err != nil {
		fmt.Fprintf(errOut, "failed to mark golden: %v\n", err)
		return 1
	}

	added, err := suite.Add(g)
	if err != nil {
		fmt.Fprintf(errOut, "failed to add golden: %v\n", err)
		return 1
	}
	if !added {
		hash, _ := g.ContentHash()
		fmt.Fprintf(out, "trace %s is already in suite %s (content hash %s)\n", t.TraceID, suite.Name, hash)
		return 0
	}
	if err := golden.SaveSuite(path, suite); err != nil {
		fmt.Fprintf(errOut, "failed to save suite: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "marked golden %s (%s) in %s\n", g.ID, g.Name, path)
	return 0
}

func runGoldenRun(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("golden run", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	suitePath := flagSet.String("suite", "", "Suite file (defaults to golden.suite_path)")
	parallel := flagSet.Int("parallel", 0, "Goldens run concurrently (defaults to golden.parallelism)")
	format := flagSet.String("format", defaultTracesFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "golden run does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("golden run", *format, defaultTracesFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *parallel < 0 {
		fmt.Fprintln(errOut, "parallel must be >= 0")
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	logger := newLogger(errOut, cfg.Logging)

	path := resolveSuitePath(*suitePath, cfg.Golden.SuitePath)
	suite, err := golden.LoadSuite(path)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load suite: %v\n", err)
		return 1
	}
	agentFn, err := buildAgentFunc(cfg.Agent)
	if err != nil {
		fmt.Fprintf(errOut, "failed to configure agent: %v\n", err)
		return 1
	}

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	parallelism := cfg.Golden.Parallelism
	if *parallel > 0 {
		parallelism = *parallel
	}
	manager := golden.NewManager(golden.WithLogger(logger), golden.WithParallelism(parallelism))

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	result := manager.RunSuite(ctx, suite, agentFn)
	otelRuntime.RecordSuiteRun(ctx, result)

	if normalizedFormat == "json" {
		if err := writeJSONOutput(out, result); err != nil {
			fmt.Fprintf(errOut, "failed to encode suite result: %v\n", err)
			return 1
		}
	} else {
		writeSuiteResultText(out, result)
	}
	if !result.CIPassed {
		return 1
	}
	return 0
}

func writeSuiteResultText(out io.Writer, result golden.SuiteResult) {
	fmt.Fprintf(out, "suite: %s\n", result.Suite)
	if len(result.Results) > 0 {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RESULT\tGOLDEN\tNAME\tSIMILARITY\tDURATION")
		for _, run := range result.Results {
			status := "FAIL"
			if run.Passed {
				status = "PASS"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\n", status, run.GoldenID, run.Name, run.Similarity, formatDuration(run.Duration))
		}
		_ = tw.Flush()
	}
	for _, run := range result.Results {
		if run.Passed || len(run.Diffs) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s (%s):\n", run.GoldenID, run.Name)
		for _, diff := range run.Diffs {
			fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(strings.TrimRight(diff, "\n"), "\n", "\n  "))
		}
	}

	verdict := "FAILED"
	if result.CIPassed {
		verdict = "PASSED"
	}
	fmt.Fprintf(
		out,
		"\n%d/%d passed (pass rate %.2f, threshold %.2f): %s\n",
		result.Passed,
		result.Total,
		result.PassRate,
		result.PassThreshold,
		verdict,
	)
}

func runGoldenCurate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("golden curate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	suitePath := flagSet.String("suite", "", "Suite file (defaults to golden.suite_path)")
	maxCount := flagSet.Int("max", -1, "Maximum goldens to keep")
	strategy := flagSet.String("strategy", golden.StrategyDiverse, "Selection strategy: diverse or first")
	outPath := flagSet.String("out", "", "Write the curated suite here (defaults to --suite)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "golden curate does not accept positional arguments")
		return 2
	}
	if *maxCount < 0 {
		fmt.Fprintln(errOut, "golden curate requires --max N (N >= 0)")
		return 2
	}
	normalizedStrategy := strings.ToLower(strings.TrimSpace(*strategy))
	if normalizedStrategy != golden.StrategyDiverse && normalizedStrategy != "first" {
		fmt.Fprintf(errOut, "invalid strategy %q: expected diverse or first\n", *strategy)
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	path := resolveSuitePath(*suitePath, cfg.Golden.SuitePath)
	suite, err := golden.LoadSuite(path)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load suite: %v\n", err)
		return 1
	}

	manager := golden.NewManager(golden.WithLogger(newLogger(errOut, cfg.Logging)))
	curated := &golden.Suite{
		Name:          suite.Name,
		PassThreshold: suite.PassThreshold,
		Traces:        manager.Curate(suite.Traces, *maxCount, normalizedStrategy),
	}

	target := strings.TrimSpace(*outPath)
	if target == "" {
		target = path
	}
	if err := golden.SaveSuite(target, curated); err != nil {
		fmt.Fprintf(errOut, "failed to save suite: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "kept %d of %d goldens in %s\n", len(curated.Traces), len(suite.Traces), target)
	return 0
}

func resolveSuitePath(flagValue, configured string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	return configured
}

func flagWasSet(flagSet *flag.FlagSet, name string) bool {
	set := false
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printGoldenUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  goldentrace golden mark [--config PATH] [--suite PATH] [--name NAME] [--expected TEXT] [--tolerance F] [--label L]... [--source production|synthetic] TRACE_ID")
	fmt.Fprintln(out, "  goldentrace golden run [--config PATH] [--suite PATH] [--parallel N] [--format text|json]")
	fmt.Fprintln(out, "  goldentrace golden curate [--config PATH] [--suite PATH] --max N [--strategy diverse|first] [--out PATH]")
}
