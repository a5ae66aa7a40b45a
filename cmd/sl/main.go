package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safeline/internal/app"
	"safeline/internal/audit"
	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/gates"
	"safeline/internal/lifecycle"
	"safeline/internal/orchestrator"
	"safeline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Safeline CLI",
	Long: `Safeline coordinates remediation operations on production services.
- Operation: one unit of remediation work on a service (restart, scale, failover...).
- Lifecycle: init -> locked -> safety_check -> in_progress -> completed, with failed,
  rolled_back, cancelled and paused_for_human_review on the side.
- Safety gates: error budget, blast radius, recent failures and cooldown are checked
  before anything runs. A failing gate pauses the operation for a human.
- Review: paused operations are resumed, cancelled or rolled back by an operator.
- Audit log: every transition is written to a hash-chained log, see 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
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
	viper.SetEnvPrefix("SAFELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(authCmd())
}

func runCmd() *cobra.Command {
	var id, service, opType string
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create an operation and drive it through its lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Run(ctx, orchestrator.Request{
					OperationID: id,
					Service:     service,
					Type:        opType,
					Metadata:    parseMeta(meta),
					Actor:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "operation id (generated when empty)")
	cmd.Flags().StringVar(&service, "service", "", "target service")
	cmd.Flags().StringVar(&opType, "type", "", "operation type")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func opCmd() *cobra.Command {
	op := &cobra.Command{Use: "op", Short: "Inspect and review operations"}
	op.AddCommand(opListCmd())
	op.AddCommand(opShowCmd())
	op.AddCommand(opHistoryCmd())
	op.AddCommand(opPauseCmd())
	op.AddCommand(opResumeCmd())
	op.AddCommand(opCancelCmd())
	op.AddCommand(opRollbackCmd())
	return op
}

func opListCmd() *cobra.Command {
	var f repo.OperationFilters
	var states string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, s := range strings.Split(states, ",") {
					if s = strings.TrimSpace(s); s != "" {
						f.States = append(f.States, s)
					}
				}
				ops, err := a.Orchestrator.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Type", "State", "Created By", "Updated"})
				for _, o := range ops {
					tw.AppendRow(table.Row{o.ID, o.Service, o.Type, o.State, o.CreatedBy, ago(o.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Service, "service", "", "service filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "operation type filter")
	cmd.Flags().StringVar(&states, "state", "", "comma-separated states")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func opShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				op, err := a.Orchestrator.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
}

func opHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show accepted transitions of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				history, err := a.Orchestrator.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				printHistory(history)
				return nil
			})
		},
	}
}

func opPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Hand an operation to human review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Pause(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "pause reason")
	return cmd
}

func opResumeCmd() *cobra.Command {
	var approval string
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Approve a paused operation and continue execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Resume(ctx, args[0], viper.GetString("actor-id"), approval)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&approval, "approval", "", "approval or ticket reference")
	return cmd
}

func opCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a paused operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	return cmd
}

func opRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll back a paused or failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Rollback(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func gatesCmd() *cobra.Command {
	g := &cobra.Command{Use: "gates", Short: "Safety gates"}
	var service, opType string
	var meta map[string]string
	check := &cobra.Command{
		Use:   "check",
		Short: "Evaluate every gate without starting an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Orchestrator.CheckGates(ctx, service, opType, parseMeta(meta))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printGates(out)
				return nil
			})
		},
	}
	check.Flags().StringVar(&service, "service", "", "target service")
	check.Flags().StringVar(&opType, "type", "", "operation type")
	check.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	_ = check.MarkFlagRequired("service")
	_ = check.MarkFlagRequired("type")
	g.AddCommand(check)
	return g
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f audit.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Orchestrator.Audit.Tail(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "When", "Type", "Operation", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, ago(e.TS), e.Type, e.OperationID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type, or a prefix ending in a dot")
	cmd.Flags().StringVar(&f.OperationID, "operation", "", "operation id")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit log integrity"}
	a.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Orchestrator.Audit.Verify(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else if rep.Valid {
					fmt.Printf("audit chain OK (%d entries)\n", rep.Checked)
				}
				if !rep.Valid {
					return fmt.Errorf("audit chain broken at entry %d: %s", rep.BrokenAt, rep.Reason)
				}
				return nil
			})
		},
	})
	return a
}

func escalateCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Notify about operations paused for too long",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("older-than") {
					olderThan = a.Config.Server.EscalateAfter
				}
				ids, err := a.Orchestrator.Escalate(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"escalated": ids})
				}
				fmt.Printf("escalated %d operation(s)\n", len(ids))
				for _, id := range ids {
					fmt.Println(" -", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum time in review")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "safeline.yml in the workspace holds the lock backend, telemetry source, gate thresholds, notification routing and executor. Missing keys take their defaults.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default safeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate safeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			var ignored []string
			if cfg != nil {
				ignored = gates.UnknownThresholdKeys(cfg.Gates.Thresholds)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err), "ignored_thresholds": ignored})
			}
			if err != nil {
				return err
			}
			for _, key := range ignored {
				fmt.Printf("warning: unknown gate threshold %q is ignored\n", key)
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				secret := "sl_" + strings.ReplaceAll(uuid(), "-", "")
				key := domain.APIKey{
					ID:        uuid(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: db.FormatTime(time.Now()),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": actor, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, ago(k.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, del)
	return k
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API authentication"}
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			tok, err := serverToken(jwtSecret(cfg), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	a.AddCommand(token)
	return a
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, app.Options{LogOutput: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, repo.Repo{DB: a.DB})
	})
}

// parseMeta turns key=value flags into metadata, reading numbers and booleans.
func parseMeta(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out
}

func printResult(res orchestrator.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("operation %s on %s (%s): %s\n", res.Operation.ID, res.Service, res.Type, res.Operation.State)
	if res.Error != "" {
		fmt.Println("error:", res.Error)
	}
	if reason, ok := res.Operation.Metadata[lifecycle.MetaPauseReason].(string); ok && res.Operation.State == lifecycle.StatePausedForHumanReview {
		fmt.Println("paused:", reason)
	}
	if res.Gates != nil {
		printGates(*res.Gates)
	}
	if res.Execution != nil && res.Execution.Output != "" {
		fmt.Println(strings.TrimRight(res.Execution.Output, "\n"))
	}
	return nil
}

func printGates(out gates.Outcome) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Gate", "Passed", "Reason"})
	for _, r := range out.Results {
		tw.AppendRow(table.Row{r.Gate, r.Passed, r.Reason})
	}
	tw.AppendFooter(table.Row{"", out.AllPassed, ""})
	tw.Render()
}

func printHistory(history []domain.Transition) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "From", "To", "Trigger", "Actor", "When"})
	for _, t := range history {
		tw.AppendRow(table.Row{t.Seq, t.FromState, t.ToState, t.Trigger, t.ActorID, ago(t.TS)})
	}
	tw.Render()
}

// ago renders a stored timestamp relative to now.
func ago(ts string) string {
	t, err := db.ParseTime(ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
