package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/agentpipe/internal/catalog"
	"github.com/rendis/agentpipe/internal/diagram"
	"github.com/rendis/agentpipe/internal/scheduler"
	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/pkg/schema"
)

func (c *cli) pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage stored pipeline definitions",
	}

	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Validate a definition file and store it under its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				def, err := loadDefinition(a.validator, file)
				if err != nil {
					return err
				}
				report := a.validator.Validate(def)
				if err := report.ToError(); err != nil {
					_ = printJSON(cmd, report)
					return err
				}
				if err := a.store.PutPipeline(ctx, def); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"pipeline_id": def.ID,
					"version":     def.Version,
					"warnings":    report.Warnings,
				})
			})
		},
	}
	put.Flags().StringVarP(&file, "file", "f", "", "pipeline definition file (YAML or JSON, - for stdin)")
	_ = put.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored pipelines with execution counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				pipelines, err := a.store.ListPipelines(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, pipelines)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <pipeline-id>",
		Short: "Show a stored pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.store.GetPipeline(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, p)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <pipeline-id>",
		Short: "Delete a stored pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.DeletePipeline(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(put, list, get, del, c.diagramCmd())
	return cmd
}

func (c *cli) diagramCmd() *cobra.Command {
	var (
		file        string
		format      string
		executionID string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "diagram [pipeline-id]",
		Short: "Render a pipeline as mermaid, ascii, dot, svg or png",
		Long: `Render a stored pipeline, or a definition file with --file. With
--execution the recorded progress of that execution colors the steps.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return fmt.Errorf("give either a pipeline id or --file")
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				var def *schema.PipelineDefinition
				if file != "" {
					d, err := loadDefinition(a.validator, file)
					if err != nil {
						return err
					}
					def = d
				} else {
					p, err := a.store.GetPipeline(ctx, args[0])
					if err != nil {
						return err
					}
					def = p.Definition
				}
				var progress map[string]*store.StepProgress
				if executionID != "" {
					p, err := a.events.Replay(ctx, executionID)
					if err != nil {
						return err
					}
					progress = p
				}
				model, err := diagram.Build(def, progress)
				if err != nil {
					return err
				}
				out, err := diagram.Render(ctx, model, diagram.Format(format))
				if err != nil {
					return err
				}
				if output != "" {
					return os.WriteFile(output, out, 0o644)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&format, "format", string(diagram.FormatMermaid), "mermaid, ascii, dot, svg or png")
	cmd.Flags().StringVar(&executionID, "execution", "", "overlay the progress of this execution")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func (c *cli) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent catalog",
	}

	var file string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register or update agents from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := catalog.LoadAgents(file)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				reg := catalog.NewRegistry(a.store, a.validator.Schemas())
				ids := make([]string, 0, len(agents))
				for _, agent := range agents {
					if err := reg.Register(ctx, agent); err != nil {
						return err
					}
					ids = append(ids, agent.AgentID)
				}
				return printJSON(cmd, map[string]any{"registered": ids})
			})
		},
	}
	register.Flags().StringVarP(&file, "file", "f", "", "agent file: a list of agents or {agents: [...]}")
	_ = register.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				agents, err := a.store.ListAgents(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, agents)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show a registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				agent, err := a.store.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, agent)
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Remove a registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return catalog.NewRegistry(a.store, nil).Remove(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(register, list, get, remove)
	return cmd
}

func (c *cli) secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted agent secrets",
	}

	var (
		value    string
		fromFile string
	)
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret from --value, --from-file, or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case value != "" && fromFile != "":
				return fmt.Errorf("--value and --from-file are mutually exclusive")
			case value != "":
				data = []byte(value)
			case fromFile != "":
				b, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				data = b
			default:
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				data = []byte(strings.TrimRight(string(b), "\r\n"))
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				vault, err := a.requireVault()
				if err != nil {
					return err
				}
				return vault.Store(ctx, args[0], data)
			})
		},
	}
	set.Flags().StringVar(&value, "value", "", "secret value")
	set.Flags().StringVar(&fromFile, "from-file", "", "read the secret value from a file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				names, err := a.store.ListSecrets(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, names)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				vault, err := a.requireVault()
				if err != nil {
					return err
				}
				return vault.Delete(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled pipeline triggers",
	}

	var (
		cronExpr    string
		input       string
		triggeredBy string
		disabled    bool
	)
	add := &cobra.Command{
		Use:   "add <pipeline-id>",
		Short: "Schedule a pipeline on a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseValue(input)
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetPipeline(ctx, args[0]); err != nil {
					return err
				}
				sched := &store.Schedule{
					PipelineID:     args[0],
					CronExpression: cronExpr,
					Input:          in,
					TriggeredBy:    triggeredBy,
					Enabled:        !disabled,
				}
				if err := scheduler.NewScheduler(a.store, nil, a.logger).Add(ctx, sched); err != nil {
					return err
				}
				return printJSON(cmd, sched)
			})
		},
	}
	add.Flags().StringVar(&cronExpr, "cron", "", "cron expression (5 fields or a descriptor such as @hourly)")
	add.Flags().StringVarP(&input, "input", "i", "", "execution input as YAML/JSON, or @file")
	add.Flags().StringVar(&triggeredBy, "triggered-by", "", "identity recorded on scheduled executions")
	add.Flags().BoolVar(&disabled, "disabled", false, "create the schedule disabled")
	_ = add.MarkFlagRequired("cron")

	var pipelineID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				schedules, err := a.store.ListSchedules(ctx, store.ScheduleFilter{PipelineID: pipelineID})
				if err != nil {
					return err
				}
				return printJSON(cmd, schedules)
			})
		},
	}
	list.Flags().StringVar(&pipelineID, "pipeline", "", "only schedules of this pipeline")

	remove := &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.DeleteSchedule(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(add, list, remove, c.scheduleToggleCmd("enable", true), c.scheduleToggleCmd("disable", false))
	return cmd
}

// scheduleToggleCmd enables or disables a schedule. Enabling restarts the
// schedule from now instead of replaying runs missed while disabled.
func (c *cli) scheduleToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				sched, err := a.store.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				update := store.ScheduleUpdate{Enabled: &enabled}
				if enabled {
					next, err := scheduler.NewScheduler(a.store, nil, a.logger).CalculateNextRun(sched.CronExpression, time.Now().UTC())
					if err != nil {
						return err
					}
					update.NextRunAt = &next
				}
				return a.store.UpdateSchedule(ctx, args[0], update)
			})
		},
	}
}
