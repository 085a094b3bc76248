package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"statusflow/internal/app"
	"statusflow/internal/cerr"
	"statusflow/internal/clog"
	"statusflow/internal/config"
	"statusflow/internal/db"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/engine/auth"
	"statusflow/internal/events"
	"statusflow/internal/metrics"
	"statusflow/internal/notify"
	"statusflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Statusflow CLI",
	Long: `Statusflow guards task status changes with per-project roles.
- ADMINs change a task's status directly.
- MEMBERs propose a change; it waits as a pending request until an ADMIN approves or rejects it.
- VIEWERs can only read.
- At most one request per task is pending at a time; every change bumps the task version.
- Every change lands in the event log, view it with 'sf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := clog.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		format := "text"
		if cfg, err := config.LoadOptional(viper.GetString("workspace")); err == nil && cfg.Log.Format != "" {
			format = cfg.Log.Format
		}
		slog.SetDefault(clog.New(os.Stderr, level, format))
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("STATUSFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// exitCode gives scripts a stable signal for the common refusals.
func exitCode(err error) int {
	switch cerr.CodeOf(err) {
	case cerr.Forbidden, cerr.Unauthenticated:
		return 3
	case cerr.NotFound:
		return 4
	case cerr.Conflict, cerr.VersionConflict, cerr.ProposalAlreadyPending, cerr.AlreadyResolved, cerr.ApprovedButStatusConflict:
		return 5
	case cerr.Unavailable:
		return 6
	default:
		return 1
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project; the acting user becomes its ADMIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			actorID := viper.GetString("actor-id")
			if actorID == "" {
				return cerr.NewError(cerr.Unauthenticated, "actor id is required; use --actor-id", nil)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: id, Name: name, Description: desc, ActorID: actorID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created project %s (admin: %s)\n", p.ID, actorID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage project roles"}
	m.AddCommand(&cobra.Command{
		Use:   "set <actor-id> <ADMIN|MEMBER|VIEWER>",
		Short: "Grant or change a member's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				member, err := ws.Engine.SetMember(ctx, s.ProjectID, args[0], domain.ParseRole(args[1]), s.Role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(member)
				}
				fmt.Printf("%s is now %s on %s\n", member.ActorID, member.Role, member.ProjectID)
				return nil
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				items, err := ws.Engine.ListMembers(ctx, s.ProjectID, s.Role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Actor", "Role", "Since")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ActorID, it.Role, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return m
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskStatusCmd())
	t.AddCommand(taskHistoryCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in status NEW",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				opts.ProjectID = s.ProjectID
				opts.ActorID = s.ActorID
				task, err := ws.Engine.CreateTask(ctx, opts, s.Role)
				if err != nil {
					return err
				}
				return printTask(task)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				task, err := ws.Engine.GetTask(ctx, s.ProjectID, args[0], s.Role)
				if err != nil {
					return err
				}
				return printTask(task)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st domain.TaskStatus
			if status != "" {
				parsed, ok := domain.ParseTaskStatus(status)
				if !ok {
					return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", status), nil)
				}
				st = parsed
			}
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				tasks, err := ws.Engine.ListTasks(ctx, s.ProjectID, s.Role, engine.TaskListOptions{Status: st, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Title", "Status", "Version", "Updated")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Version, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <NEW|IN_PROGRESS|COMPLETED|CANCELLED>",
		Short: "Change a task's status (ADMIN) or propose the change (MEMBER)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, ok := domain.ParseTaskStatus(args[1])
			if !ok {
				return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", args[1]), nil)
			}
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				if auth.CanPropose(s.Role) {
					if _, err := ws.Engine.GetTask(ctx, s.ProjectID, args[0], s.Role); err != nil {
						return err
					}
				}
				res, err := ws.Engine.RequestStatusChange(ctx, args[0], s.ActorID, s.Role, desired)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Outcome {
				case domain.ChangeApplied:
					fmt.Printf("Task %s is now %s (version %d)\n", res.Task.ID, res.Task.Status, res.Task.Version)
				case domain.ChangePendingApproval:
					fmt.Printf("Request %s filed: %s -> %s awaits an ADMIN\n", res.Request.ID, res.Request.CurrentStatusSnapshot, res.Request.RequestedStatus)
				}
				return nil
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "List every status change request for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				items, err := ws.Engine.TaskHistory(ctx, s.ProjectID, args[0], s.Role)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
}

func requestCmd() *cobra.Command {
	r := &cobra.Command{Use: "request", Short: "Review status change requests"}
	r.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending requests, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				if s.Role == "" {
					return cerr.NewError(cerr.Forbidden, "listing requests requires project membership", nil)
				}
				items, err := ws.Engine.ListPendingForProject(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				cr, err := ws.Engine.GetChangeRequest(ctx, s.ProjectID, args[0], s.Role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cr)
				}
				return printRequests([]domain.ChangeRequest{cr})
			})
		},
	})
	r.AddCommand(resolveCmd("approve", domain.OutcomeApproved))
	r.AddCommand(resolveCmd("reject", domain.OutcomeRejected))
	return r
}

func resolveCmd(use string, outcome domain.Outcome) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending request (ADMIN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				cr, err := ws.Engine.ResolveRequest(ctx, args[0], s.ActorID, s.Role, outcome, reason)
				if err != nil {
					if cerr.IsCode(err, cerr.ApprovedButStatusConflict) {
						fmt.Fprintf(os.Stderr, "request %s was approved but the task changed before it could be applied\n", cr.ID)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cr)
				}
				fmt.Printf("Request %s %s\n", cr.ID, strings.ToLower(string(cr.State)))
				return nil
			})
		},
	}
	if outcome == domain.OutcomeRejected {
		cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected (required)")
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s app.Session) error {
				evts, err := ws.Engine.Events(ctx, s.ProjectID, s.Role, engine.EventListOptions{Limit: n, Type: evtType, TaskID: taskID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default " + config.FileName,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate " + config.FileName,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.FromFile(config.Path(viper.GetString("workspace"))); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for --actor-id using STATUSFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: cfg.Server.AllowActorHeader,
				Logger:           logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("STATUSFLOW_JWT_SECRET is required for bearer auth")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.NewWorkflow(reg)
			bus := notify.NewBus()
			bus.Metrics = m
			e := ws.Engine
			e.Notifier = bus
			e.Metrics = m

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			buf := cfg.Notifications.Buffer

			var wg conc.WaitGroup
			recorder := notify.Recorder{Writer: events.Writer{DB: ws.DB}, Logger: logger}
			wg.Go(func() { recorder.Run(ctx, bus, buf) })
			if natsCfg := cfg.Notifications.NATS; natsCfg.URL != "" {
				nc, err := notify.ConnectNATS(natsCfg.URL)
				if err != nil {
					return err
				}
				defer nc.Close()
				fwd := notify.NATSForwarder{Conn: nc, SubjectPrefix: natsCfg.SubjectPrefix, Logger: logger}
				wg.Go(func() { fwd.Run(ctx, bus, buf) })
			}
			if len(cfg.Notifications.Webhooks) > 0 {
				dispatcher := notify.NewWebhookDispatcher(e.Repo, cfg.Notifications.Webhooks)
				dispatcher.Logger = logger
				wg.Go(func() { dispatcher.Run(ctx) })
			}

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger, Gatherer: reg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			wg.Go(func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Statusflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			stop()
			wg.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withSession(ctx context.Context, fn func(context.Context, *app.Workspace, app.Session) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		s, err := ws.NewSession(ctx, viper.GetString("project"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, ws, s)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := newTable("ID", "Title", "Status", "Version", "Created", "Updated")
	tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Version, t.CreatedAt, t.UpdatedAt})
	tw.Render()
	return nil
}

func printRequests(items []domain.ChangeRequest) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Task", "Requester", "From", "To", "State", "Created", "Resolved by", "Reason")
	for _, cr := range items {
		tw.AppendRow(table.Row{cr.ID, cr.TaskID, cr.RequesterID, cr.CurrentStatusSnapshot, cr.RequestedStatus, cr.State, cr.CreatedAt, deref(cr.ResolvedBy), deref(cr.RejectionReason)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
