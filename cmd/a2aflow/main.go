package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"a2aflow/internal/app"
	"a2aflow/internal/config"
	"a2aflow/internal/domain"
	"a2aflow/internal/orchestrator"
	"a2aflow/internal/server"
	a2aflowsdk "a2aflow/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "a2aflow",
	Short: "a2aflow task broker and workflow CLI",
	Long: `a2aflow routes tasks to capability workers and composes them into workflows.
- Task: one unit of work for a capability; moves submitted -> working -> completed, or ends failed/canceled.
- Worker: an executor registered under a capability (creative-synthesis, fact-check, echo, ...).
- Broker: queues tasks and dispatches them to workers with bounded concurrency.
- Workflow: sequential, expert, parallel or debate composition of tasks.
Run 'a2aflow serve' to start the API, then use the other commands against it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("A2AFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory (config and database)")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/a2aflow.yml)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080/v1", "API base URL for client commands")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(workersCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker, workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(os.Stderr, "a2aflow: ", log.LstdFlags)
			rt, err := app.Build(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.Start()
			stopHooks := server.StartWebhooks(rt.Store, cfg.Webhooks, logger)
			defer stopHooks()

			handler, err := server.New(server.Config{
				Broker:    rt.Broker,
				Workflows: rt.Workflows,
				Events:    rt.Events,
				BasePath:  basePath,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving a2aflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func submitCmd() *cobra.Command {
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit <capability> <message>",
		Short: "Submit a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			input := []domain.Message{{Role: domain.RoleUser, Content: strings.Join(args[1:], " ")}}
			t, err := c.CreateTask(cmd.Context(), args[0], input, timeout)
			if err != nil {
				return err
			}
			if wait && !t.State.Terminal() {
				if t, err = c.Await(cmd.Context(), t.ID); err != nil {
					return err
				}
			}
			return printTask(t)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a terminal state")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "task deadline (e.g. 30s)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			t, err := c.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTask(t)
		},
	}
}

func artifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <task-id>",
		Short: "List task artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			items, err := c.ListArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(items, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"#", "Name", "Kind", "Content"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Index, a.Name, a.Kind, a.Content})
				}
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			t, err := c.CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTask(t)
		},
	}
}

func tasksCmd() *cobra.Command {
	var f a2aflowsdk.TaskFilter
	var state string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			f.State = domain.State(state)
			items, err := c.ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSONOrTable(items, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Capability", "State", "Artifacts", "Error", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Capability, t.State, len(t.Artifacts), taskErrorText(t), t.UpdatedAt})
				}
			})
		},
	}
	cmd.Flags().StringVar(&f.Capability, "capability", "", "capability filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			skills, stats, err := c.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"items": skills, "stats": stats}
			return printJSONOrTable(out, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Capability", "Name", "Workers", "Description"})
				for _, s := range skills {
					tw.AppendRow(table.Row{s.Capability, s.Name, s.Workers, s.Description})
				}
				tw.AppendFooter(table.Row{"", "queued / working / capacity", fmt.Sprintf("%d / %d / %d", stats.Queued, stats.Working, stats.Capacity), ""})
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Run and inspect workflows"}
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowGetCmd())
	return wf
}

func workflowRunCmd() *cobra.Command {
	var req orchestrator.Request
	var remote bool
	cmd := &cobra.Command{
		Use:   "run <sequential|expert|parallel|debate> <prompt>",
		Short: "Run a workflow",
		Long: `Run a workflow pattern over the workers of a running server.
By default the workflow is driven from this process, submitting each step
through the API. With --remote the server runs it and this command polls
for the result.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Pattern = orchestrator.Pattern(args[0])
			req.Prompt = strings.Join(args[1:], " ")
			if err := req.Validate(); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if remote {
				started, err := c.StartWorkflow(cmd.Context(), a2aflowsdk.WorkflowRequest{
					Pattern:      string(req.Pattern),
					Prompt:       req.Prompt,
					Steps:        req.Steps,
					Branches:     req.Branches,
					Synthesizer:  req.Synthesizer,
					Participants: req.Participants,
					MaxRounds:    req.MaxRounds,
					Similarity:   req.Similarity,
				})
				if err != nil {
					return err
				}
				wf, err := c.WaitWorkflow(cmd.Context(), started.ID)
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine := orchestrator.NewEngine(orchestrator.Orchestrator{
				Client: c,
				Roles: orchestrator.Roles{
					Creative: cfg.Orchestrator.Roles.Creative,
					Factual:  cfg.Orchestrator.Roles.Factual,
				},
				Logger: log.New(os.Stderr, "a2aflow: ", log.LstdFlags),
			})
			defer engine.Close()
			engine.Debate = orchestrator.DebateConfig{
				MaxRounds:  cfg.Orchestrator.Debate.MaxRounds,
				Similarity: cfg.Orchestrator.Debate.Similarity,
			}
			out, runErr := engine.Run(cmd.Context(), req)
			wf := orchestrator.Workflow{
				Pattern:   req.Pattern,
				Prompt:    req.Prompt,
				State:     orchestrator.WorkflowCompleted,
				Output:    out.Output,
				Steps:     out.Steps,
				Rounds:    out.Rounds,
				Converged: out.Converged,
			}
			if runErr != nil {
				wf.State = orchestrator.WorkflowFailed
				wf.Error = runErr.Error()
				var werr *orchestrator.WorkflowError
				if errors.As(runErr, &werr) {
					wf.Phase = werr.Phase
					wf.Failed = werr.Failures()
				}
			}
			if err := printWorkflow(wf); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "run the workflow on the server")
	cmd.Flags().StringSliceVar(&req.Steps, "steps", nil, "capability chain for sequential runs")
	cmd.Flags().StringSliceVar(&req.Branches, "branches", nil, "branch capabilities for parallel runs")
	cmd.Flags().StringVar(&req.Synthesizer, "synthesizer", "", "synthesis capability for parallel runs")
	cmd.Flags().StringSliceVar(&req.Participants, "participants", nil, "two debating capabilities")
	cmd.Flags().IntVar(&req.MaxRounds, "max-rounds", 0, "debate round bound")
	cmd.Flags().Float64Var(&req.Similarity, "similarity", 0, "debate convergence threshold (0-1)")
	return cmd
}

func workflowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show a server-side workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			wf, err := c.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printWorkflow(wf)
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create a2aflow.yml",
		Long:  "Config declares the store, broker limits, model backends, workers per capability, workflow roles and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func newClient() (*a2aflowsdk.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c := a2aflowsdk.New(viper.GetString("server"))
	if cfg.Client.PollInterval.Duration > 0 {
		c.PollInterval = cfg.Client.PollInterval.Duration
	}
	if cfg.Client.MaxAttempts > 0 {
		c.MaxAttempts = cfg.Client.MaxAttempts
	}
	return c, nil
}

// jsonOutput is true with --json or when stdout is not a terminal.
func jsonOutput() bool {
	return viper.GetBool("json") || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSONOrTable(v any, render func(tw table.Writer)) error {
	if jsonOutput() || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTask(t domain.Task) error {
	return printJSONOrTable(t, func(tw table.Writer) {
		tw.AppendRow(table.Row{"ID", t.ID})
		tw.AppendRow(table.Row{"Capability", t.Capability})
		tw.AppendRow(table.Row{"State", t.State})
		if msg := taskErrorText(t); msg != "" {
			tw.AppendRow(table.Row{"Error", msg})
		}
		tw.AppendRow(table.Row{"Updated", t.UpdatedAt})
		if text := t.Text(); text != "" {
			tw.AppendRow(table.Row{"Output", text})
		}
	})
}

func printWorkflow(wf orchestrator.Workflow) error {
	return printJSONOrTable(wf, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Step", "Capability", "Round", "Task", "Output"})
		for _, s := range wf.Steps {
			tw.AppendRow(table.Row{s.Name, s.Capability, s.Round, s.TaskID, clip(s.Output, 80)})
		}
		footer := string(wf.State)
		if wf.Pattern == orchestrator.PatternDebate {
			footer = fmt.Sprintf("%s, %d rounds, converged=%t", wf.State, wf.Rounds, wf.Converged)
		}
		if wf.Error != "" {
			footer += ": " + wf.Error
		}
		tw.AppendFooter(table.Row{string(wf.Pattern), footer, "", "", ""})
		if wf.Output != "" {
			tw.SetCaption("%s", wf.Output)
		}
	})
}

func taskErrorText(t domain.Task) string {
	if t.Error == nil {
		return ""
	}
	return t.Error.Code + ": " + t.Error.Message
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
