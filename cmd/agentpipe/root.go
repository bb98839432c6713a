package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// cli carries the state shared by all commands of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "agentpipe",
		Short: "Run pipelines of containerized AI agents",
		Long: `agentpipe executes pipelines of AI agents packaged as containers.

Pipelines are directed graphs of steps (agents, conditions, loops, parallel
fan-out, human approvals, delays, webhooks) joined by connections. Steps run
in waves; human approval steps suspend the execution until a decision arrives.

Examples:
  agentpipe pipeline put -f review.yaml
  agentpipe run review --input '{"doc": "draft"}'
  agentpipe approve <execution-id> gate
  agentpipe serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: agentpipe.{yaml,json,toml} in . or ~/.agentpipe)")
	flags.String("db-path", "", "database path")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("expression-engine", "", "condition engine: cel or expr")
	_ = c.v.BindPFlag("db_path", flags.Lookup("db-path"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("expression_engine", flags.Lookup("expression-engine"))

	rootCmd.AddCommand(
		c.serveCmd(),
		c.runCmd(),
		c.validateCmd(),
		c.statusCmd(),
		c.approveCmd(),
		c.cancelCmd(),
		c.pipelineCmd(),
		c.agentCmd(),
		c.secretCmd(),
		c.scheduleCmd(),
		versionCmd(),
	)
	return rootCmd
}

// withApp opens the wired application for the duration of fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

// newValidator builds the graph validator for the configured condition engine.
func newValidator(cfg Config) (*expressions.Evaluator, *validation.PipelineValidator, error) {
	exprEngine, err := expressions.NewEngine(cfg.ExpressionEngine)
	if err != nil {
		return nil, nil, err
	}
	evaluator, err := expressions.NewEvaluator(exprEngine)
	if err != nil {
		return nil, nil, err
	}
	pv, err := validation.NewPipelineValidator(evaluator)
	if err != nil {
		return nil, nil, err
	}
	return evaluator, pv, nil
}

// loadDefinition reads a YAML or JSON pipeline document.
func loadDefinition(pv *validation.PipelineValidator, path string) (*schema.PipelineDefinition, error) {
	data, err := readSource(path)
	if err != nil {
		return nil, err
	}
	return pv.Schemas().DecodeDefinition(data)
}

// readSource reads a file, or stdin when path is "-".
func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// parseValue decodes an inline YAML/JSON value, or the content of a file
// when raw starts with '@'. Empty means null.
func parseValue(raw string) (schema.Value, error) {
	if raw == "" {
		return schema.Null(), nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = readSource(path); err != nil {
			return schema.Null(), err
		}
	}
	var v schema.Value
	if err := yaml.Unmarshal(data, &v); err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeValidation, "parse value: %s", err.Error()).WithCause(err)
	}
	return v, nil
}

// parsePairs turns key=value flags into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
