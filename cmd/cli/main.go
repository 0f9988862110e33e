package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"neurostat/adapters/excel"
	"neurostat/domain/cluster"
	"neurostat/domain/sensor"
	"neurostat/internal"
	"neurostat/internal/clustertest"
	"neurostat/internal/config"
	"neurostat/internal/container"
	"neurostat/internal/profiling"
	"neurostat/internal/report"
	"neurostat/internal/testkit"
	"neurostat/ports"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "neurostat",
		Short: "Spatio-temporal cluster permutation tests for MEG/EEG trial data",
	}
	rootCmd.AddCommand(
		newRunCmd(),
		newDemoCmd(),
		newProfileCmd(),
		newStatisticsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engineFlags holds the engine overrides shared by run and demo
type engineFlags struct {
	statistic    string
	sigma        float64
	permutations int
	threshold    float64
	pThreshold   float64
	tail         int
	policy       string
	seed         int64
	workers      int
	maxStep      int
	tPower       float64
	stepDownP    float64
}

func (f *engineFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.statistic, "statistic", "", "Statistic: "+strings.Join(clustertest.Statistics(), "|")+" (default NEUROSTAT_STATISTIC)")
	flags.Float64Var(&f.sigma, "sigma", 0, "Variance regularisation for t statistics")
	flags.IntVar(&f.permutations, "permutations", 0, "Number of permutations")
	flags.Float64Var(&f.threshold, "threshold", 0, "Fixed cluster-forming threshold (default derived from --p-threshold)")
	flags.Float64Var(&f.pThreshold, "p-threshold", 0, "p-value used to derive the threshold")
	flags.IntVar(&f.tail, "tail", 1, "Tail: -1, 0 (two-tailed) or 1")
	flags.StringVar(&f.policy, "policy", "", "Two-tailed policy: abs_max|per_sign")
	flags.Int64Var(&f.seed, "seed", 42, "Random seed for deterministic operations")
	flags.IntVar(&f.workers, "workers", 0, "Worker goroutines (default one per CPU)")
	flags.IntVar(&f.maxStep, "max-step", 1, "Temporal reach of cluster adjacency in bins")
	flags.Float64Var(&f.tPower, "t-power", 1, "Exponent applied to |statistic| when scoring clusters")
	flags.Float64Var(&f.stepDownP, "step-down-p", 0, "Step-down p cutoff, 0 disables step-down")
}

// overrides returns only the flags the user set explicitly
func (f *engineFlags) overrides(cmd *cobra.Command) clustertest.Overrides {
	changed := cmd.Flags().Changed
	var o clustertest.Overrides
	if changed("permutations") {
		o.Permutations = &f.permutations
	}
	if changed("threshold") {
		o.Threshold = &f.threshold
	}
	if changed("p-threshold") {
		o.PThreshold = &f.pThreshold
	}
	if changed("tail") {
		o.Tail = &f.tail
	}
	if changed("policy") {
		o.Policy = &f.policy
	}
	if changed("seed") {
		o.Seed = &f.seed
	}
	if changed("workers") {
		o.Workers = &f.workers
	}
	if changed("max-step") {
		o.MaxStep = &f.maxStep
	}
	if changed("t-power") {
		o.TPower = &f.tPower
	}
	if changed("step-down-p") {
		o.StepDownP = &f.stepDownP
	}
	return o
}

// outputFlags names the files a finished run is written to
type outputFlags struct {
	out   string
	xlsx  string
	html  string
	md    string
	alpha float64
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.out, "out", "", "Write the full result as JSON")
	cmd.Flags().StringVar(&o.xlsx, "xlsx", "", "Write an xlsx report")
	cmd.Flags().StringVar(&o.html, "html", "", "Write an HTML report")
	cmd.Flags().StringVar(&o.md, "md", "", "Write a markdown report")
	cmd.Flags().Float64Var(&o.alpha, "alpha", 0, "Significance level for reports (default NEUROSTAT_REPORT_ALPHA)")
}

func newRunCmd() *cobra.Command {
	var engine engineFlags
	var output outputFlags
	var adjacencyFile string
	var save bool

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run a cluster permutation test on a JSON, xlsx or csv trial file",
		Long: `Run a cluster permutation test.

JSON input uses the HTTP API request body: {"conditions": [...], "adjacency": [...]}.
xlsx and csv input hold one row per cell with columns condition, trial, time,
channel, value; workbooks may add an "adjacency" sheet with columns a, b.

Example: neurostat run trials.xlsx --statistic ttest_ind --tail 0 --permutations 2000 --html report.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Shutdown(context.Background())

			in, err := loadInput(args[0], adjacencyFile, env.Config.Engine, env.Logger)
			if err != nil {
				return err
			}
			applyFlags(cmd, &engine, in)

			service := clustertest.NewService(env.RNG, nil, env.Logger)
			if save {
				if env.Config.Database.URL == "" {
					return fmt.Errorf("--save needs DATABASE_URL")
				}
				if err := env.Connect(cmd.Context()); err != nil {
					return err
				}
				service = env.Service
			}
			return execute(cmd.Context(), cmd.OutOrStdout(), service, in, output, env.Config.Engine.ReportAlpha)
		},
	}

	engine.register(cmd)
	output.register(cmd)
	cmd.Flags().StringVar(&adjacencyFile, "adjacency", "", "JSON file of per-channel neighbor lists")
	cmd.Flags().BoolVar(&save, "save", false, "Store the run in the database named by DATABASE_URL")
	return cmd
}

func newDemoCmd() *cobra.Command {
	var engine engineFlags
	var output outputFlags
	var trialsPerCondition int
	var amplitude float64
	var dataSeed int64

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a cluster test on synthetic trials with a known effect",
		Long: `Generate two conditions over a 20×8 grid with an effect in condition 0
on channels 2-4 between bins 5 and 12, then run a cluster test on a line
of channels.

Example: neurostat demo --amplitude 1.5 --trials 30 --permutations 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Shutdown(context.Background())

			gen := testkit.DefaultTrialConfig()
			gen.Trials = []int{trialsPerCondition}
			gen.Effects[0].Amplitude = amplitude
			gen.Seed = dataSeed
			conditions, err := env.TestKit.TrialGenerator(gen).Generate()
			if err != nil {
				return err
			}

			in := &clustertest.Input{
				ConditionNames: []string{"effect", "baseline"},
				Conditions:     conditions,
				Adjacency:      testkit.LineAdjacency(gen.Channels),
				Statistic:      env.Config.Engine.Statistic,
				Config:         env.Config.Engine.Battery(),
			}
			applyFlags(cmd, &engine, in)
			service := clustertest.NewService(env.RNG, nil, env.Logger)
			return execute(cmd.Context(), cmd.OutOrStdout(), service, in, output, env.Config.Engine.ReportAlpha)
		},
	}

	engine.register(cmd)
	output.register(cmd)
	cmd.Flags().IntVar(&trialsPerCondition, "trials", 20, "Trials per condition")
	cmd.Flags().Float64Var(&amplitude, "amplitude", 2.5, "Effect amplitude in noise standard deviations")
	cmd.Flags().Int64Var(&dataSeed, "data-seed", 42, "Seed of the synthetic data")
	return cmd
}

func newProfileCmd() *cobra.Command {
	var adjacencyFile string

	cmd := &cobra.Command{
		Use:   "profile [input]",
		Short: "Summarize the distribution of each condition before running a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := internal.NewLogger(internal.ParseLogLevel(cfg.Log.Level))

			in, err := loadInput(args[0], adjacencyFile, cfg.Engine, logger)
			if err != nil {
				return err
			}
			profiles, err := profiling.NewDataProfiler().ProfileConditions(in.ConditionNames, in.Conditions)
			if err != nil {
				return err
			}
			printProfiles(cmd.OutOrStdout(), profiles)
			return nil
		},
	}
	cmd.Flags().StringVar(&adjacencyFile, "adjacency", "", "JSON file of per-channel neighbor lists")
	return cmd
}

func newStatisticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "statistics",
		Short: "List the available test statistics",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range clustertest.Statistics() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func loadEnvironment() (*container.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return container.New(cfg)
}

func applyFlags(cmd *cobra.Command, f *engineFlags, in *clustertest.Input) {
	in.Config = f.overrides(cmd).Apply(in.Config)
	if cmd.Flags().Changed("statistic") {
		in.Statistic = f.statistic
	}
	if cmd.Flags().Changed("sigma") {
		in.Sigma = f.sigma
	}
}

// loadInput reads a JSON request or a long-format xlsx/csv file. Tabular
// input takes its adjacency from the workbook, then adjacencyFile, and
// otherwise treats channels as spatially unconnected.
func loadInput(path, adjacencyFile string, defaults config.EngineConfig, logger *internal.Logger) (*clustertest.Input, error) {
	var lists [][]int
	if adjacencyFile != "" {
		raw, err := os.ReadFile(adjacencyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read adjacency file: %w", err)
		}
		if err := json.Unmarshal(raw, &lists); err != nil {
			return nil, fmt.Errorf("failed to parse adjacency file: %w", err)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var req clustertest.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if len(req.Adjacency) == 0 {
			req.Adjacency = lists
		}
		return req.Decode(defaults)
	case ".xlsx", ".csv":
		data, err := excel.NewDataReader(path, logger).ReadData()
		if err != nil {
			return nil, err
		}
		adj := data.Adjacency
		if adj == nil && lists != nil {
			if adj, err = sensor.FromNeighborLists(lists); err != nil {
				return nil, err
			}
		}
		if adj == nil {
			logger.Warn("%s has no adjacency, channels only connect across time", path)
			adj = sensor.Isolated(data.Conditions[0].Channels())
		}
		return &clustertest.Input{
			ConditionNames: data.ConditionNames,
			Conditions:     data.Conditions,
			Adjacency:      adj,
			Statistic:      defaults.Statistic,
			Config:         defaults.Battery(),
		}, nil
	}
	return nil, fmt.Errorf("unsupported input type %q (want .json, .xlsx or .csv)", filepath.Ext(path))
}

func execute(ctx context.Context, w io.Writer, service *clustertest.Service, in *clustertest.Input, output outputFlags, defaultAlpha float64) error {
	alpha := output.alpha
	if alpha <= 0 {
		alpha = defaultAlpha
	}

	result, err := service.Run(ctx, in, nil)
	if err != nil {
		return err
	}
	printSummary(w, result, alpha)

	if output.out != "" {
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if err := os.WriteFile(output.out, raw, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "Result saved to: %s\n", output.out)
	}

	// a partial result after Ctrl-C is still written out
	ctx = context.WithoutCancel(ctx)
	writers := []struct {
		path   string
		writer ports.ReportWriter
	}{
		{output.xlsx, excel.NewReportWriter(alpha)},
		{output.html, report.NewHTMLWriter(alpha)},
		{output.md, report.NewMarkdownWriter(alpha)},
	}
	for _, target := range writers {
		if target.path == "" {
			continue
		}
		if err := writeReport(ctx, target.path, target.writer, result); err != nil {
			return err
		}
		fmt.Fprintf(w, "Report saved to: %s\n", target.path)
	}
	return nil
}

func writeReport(ctx context.Context, path string, writer ports.ReportWriter, result *cluster.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writer.WriteReport(ctx, f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, result *cluster.Result, alpha float64) {
	fmt.Fprintf(w, "CLUSTER TEST %s\n", result.RunID)
	fmt.Fprintf(w, "Statistic: %s, threshold %.4g, tail %s\n", result.Statistic, result.Threshold, result.Tail)
	fmt.Fprintf(w, "Permutations: %d of %d", result.Completed, result.Requested)
	if result.Exact {
		fmt.Fprint(w, " (exact)")
	}
	if result.Partial {
		fmt.Fprint(w, " (partial)")
	}
	fmt.Fprintln(w)

	if len(result.Clusters) == 0 {
		fmt.Fprintln(w, "No cluster passed the threshold.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSIGN\tSCORE\tP\tSIZE\tTIME\tCHANNELS\t")
		for i, pair := range result.Pairs() {
			c := pair.Cluster
			start, end := c.TimeSpan()
			mark := ""
			if pair.PValue < alpha {
				mark = "*"
			}
			fmt.Fprintf(tw, "%d\t%+d\t%.4g\t%.4g%s\t%d\t%d-%d\t%v\t\n",
				i, c.Sign, c.Score, pair.PValue, mark, c.Size(), start, end, c.Channels())
		}
		tw.Flush()
		fmt.Fprintf(w, "%d of %d clusters significant at %g\n", len(result.Significant(alpha)), len(result.Clusters), alpha)
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "WARNING %s: %s\n", warning.Code, warning.Message)
	}
}

func printProfiles(w io.Writer, profiles []profiling.ConditionProfile) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONDITION\tTRIALS\tGRID\tMEAN\tSD\tSKEW\tKURT\tNORMAL P\tOUTLIERS\tNON-FINITE\t")
	for _, p := range profiles {
		fmt.Fprintf(tw, "%s\t%d\t%dx%d\t%.4g\t%.4g\t%.3f\t%.3f\t%.3g\t%d\t%d\t\n",
			p.Name, p.Trials, p.Times, p.Channels, p.Summary.Mean, p.Summary.StdDev,
			p.Shape.Skewness, p.Shape.Kurtosis, p.Shape.NormalityP, p.Outliers, p.NonFinite)
	}
	tw.Flush()
}
