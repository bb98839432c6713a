package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/agentpipe/pkg/schema"
)

func (c *cli) runCmd() *cobra.Command {
	var (
		file        string
		input       string
		overrides   string
		triggeredBy string
		async       bool
		callbackURL string
		headers     []string
	)
	cmd := &cobra.Command{
		Use:   "run [pipeline-id]",
		Short: "Execute a stored pipeline, or a definition file with --file",
		Long: `Execute a pipeline and print the execution record as JSON.

Without --async the command waits until the execution completes, fails, is
cancelled or waits for approval. With --async the accepted record is printed
at once and the command waits up to shutdown_timeout for the execution before
exiting. An execution still running after that is cancelled and sealed. The
settled record is POSTed to --callback-url when set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return fmt.Errorf("give either a pipeline id or --file")
			}
			in, err := parseValue(input)
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			ov, err := parseValue(overrides)
			if err != nil {
				return fmt.Errorf("--overrides: %w", err)
			}
			hdrs, err := parsePairs(headers)
			if err != nil {
				return fmt.Errorf("--callback-header: %w", err)
			}
			req := &schema.TriggerRequest{
				Input:           in,
				TriggeredBy:     triggeredBy,
				Overrides:       ov,
				CallbackURL:     callbackURL,
				CallbackHeaders: hdrs,
			}
			if async {
				req.ExecutionMode = schema.ModeAsync
			}

			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				var exec *schema.Execution
				if file != "" {
					def, err := loadDefinition(a.validator, file)
					if err != nil {
						return err
					}
					exec, err = a.intake.TriggerDefinition(ctx, def, req)
					if err != nil {
						return err
					}
				} else {
					req.PipelineID = args[0]
					exec, err = a.intake.Trigger(ctx, req)
					if err != nil {
						return err
					}
				}
				if err := printJSON(cmd, exec); err != nil {
					return err
				}
				if exec.Status == schema.ExecutionFailed {
					return fmt.Errorf("execution %s failed at step %q: %s", exec.ExecutionID, exec.ErrorStep, exec.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "execution input as YAML/JSON, or @file")
	cmd.Flags().StringVar(&overrides, "overrides", "", "global config overrides as a YAML/JSON mapping, or @file")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "cli", "identity recorded on the execution")
	cmd.Flags().BoolVar(&async, "async", false, "print the accepted execution at once; it is drained, or cancelled after shutdown_timeout, on exit")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "URL that receives the settled record (async only)")
	cmd.Flags().StringArrayVar(&headers, "callback-header", nil, "callback header as key=value (repeatable)")
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a pipeline definition file and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pv, err := newValidator(c.cfg)
			if err != nil {
				return err
			}
			def, err := loadDefinition(pv, args[0])
			if err != nil {
				return err
			}
			report := pv.Validate(def)
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Valid() {
				return fmt.Errorf("%s: %d validation error(s)", args[0], len(report.Errors))
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	var (
		progress bool
		events   bool
	)
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				exec, err := a.intake.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if !progress && !events {
					return printJSON(cmd, exec)
				}
				out := map[string]any{"execution": exec}
				if progress {
					steps, err := a.intake.Progress(ctx, args[0])
					if err != nil {
						return err
					}
					out["progress"] = steps
				}
				if events {
					log, err := a.events.GetEvents(ctx, args[0], 0)
					if err != nil {
						return err
					}
					out["events"] = log
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", false, "include per-step progress replayed from the event log")
	cmd.Flags().BoolVar(&events, "events", false, "include the raw event log")
	return cmd
}

func (c *cli) approveCmd() *cobra.Command {
	var (
		reject    bool
		decidedBy string
		comment   string
	)
	cmd := &cobra.Command{
		Use:   "approve <execution-id> <step-id>",
		Short: "Approve (or --reject) a waiting human approval step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &schema.ApprovalRequest{
				ExecutionID: args[0],
				StepID:      args[1],
				Decision:    schema.DecisionApprove,
				DecidedBy:   decidedBy,
				Comment:     comment,
			}
			if reject {
				req.Decision = schema.DecisionReject
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				exec, err := a.intake.Approve(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, exec)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&decidedBy, "by", "", "identity of the approver")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the decision")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a suspended execution, or one running in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.intake.Cancel(ctx, args[0]); err != nil {
					return err
				}
				exec, err := a.intake.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, exec)
			})
		},
	}
}
