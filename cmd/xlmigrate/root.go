package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/javajack/xlmigrate"
	"github.com/javajack/xlmigrate/llm"
)

var (
	configFile string
	verbose    bool
	logger     = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "xlmigrate",
	Short: "Rule-driven spreadsheet migration",
	Long: `xlmigrate reads rows from a source workbook, applies an ordered set of
column transformation rules to each row and writes the results to a new
workbook. Rules that fail leave their column blank with a comment; the run
continues.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg = zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run <rules> <source.xlsx> <output.xlsx>",
	Short: "Apply a rule set to a workbook",
	Args:  cobra.ExactArgs(3),
	RunE:  runMigrate,
}

var validateCmd = &cobra.Command{
	Use:   "validate <rules> [source.xlsx]",
	Short: "Check a rule set, optionally against a workbook, without running it",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runValidate,
}

var describeCmd = &cobra.Command{
	Use:   "describe <rules>",
	Short: "Print the rules in evaluation order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := xlmigrate.DescribeFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().Int("header-row", 0, "1-based header row of source sheets (0 = detect, -1 = none)")

	runCmd.Flags().Int("concurrency", 0, "rows processed at once (0 = GOMAXPROCS)")
	runCmd.Flags().Duration("timeout", 0, "per-attempt timeout of delegated calls")
	runCmd.Flags().Int("max-retries", 3, "retries of a failed delegated call")
	runCmd.Flags().String("llm-provider", "openai", "text-generation provider (openai, anthropic, gemini)")
	runCmd.Flags().String("model", "", "model used when the rules name none")

	rootCmd.AddCommand(runCmd, validateCmd, describeCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []xlmigrate.Option{
		xlmigrate.WithLogger(logger),
		xlmigrate.WithConcurrency(cfg.Concurrency),
		xlmigrate.WithHeaderRow(cfg.HeaderRow),
		xlmigrate.WithMaxRetries(cfg.MaxRetries),
		xlmigrate.WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, xlmigrate.WithTimeout(cfg.Timeout))
	}
	gen, err := generator(ctx, cfg)
	if err != nil {
		return err
	}
	if gen != nil {
		opts = append(opts, xlmigrate.WithGenerator(gen))
	}

	sum, err := xlmigrate.MigrateFile(ctx, args[0], args[1], args[2], opts...)
	if sum != nil {
		fmt.Fprint(cmd.OutOrStdout(), sum)
	}
	return err
}

// generator builds the provider client. Without an API key delegated rules
// fail individually with a service failure and the run continues.
func generator(ctx context.Context, cfg *config) (xlmigrate.Generator, error) {
	if cfg.APIKey == "" {
		logger.Warn("no API key configured; delegated rules will fail", zap.String("provider", cfg.Provider))
		return nil, nil
	}
	return llm.New(ctx, cfg.Provider, llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	})
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	workbook := ""
	if len(args) > 1 {
		workbook = args[1]
	}
	issues, err := xlmigrate.ValidateFile(args[0], workbook, xlmigrate.WithHeaderRow(cfg.HeaderRow))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errs := 0
	for _, issue := range issues {
		fmt.Fprintln(out, issue)
		if issue.Severity == xlmigrate.SeverityError {
			errs++
		}
	}
	if errs > 0 {
		return fmt.Errorf("%d validation error(s)", errs)
	}
	fmt.Fprintln(out, "OK")
	return nil
}
