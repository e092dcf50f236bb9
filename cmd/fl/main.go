package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/draft"
	"formline/internal/engine"
	"formline/internal/lookup"
	"formline/internal/migrate"
	"formline/internal/pdf"
	"formline/internal/repo"
	"formline/internal/server"
	"formline/internal/submit"
	"formline/internal/validate"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Formline CLI",
	Long: `Formline runs multi-step account application forms.
Core concepts:
- Workspace: your .formline directory holding the database and formline.yml.
- Session: one applicant's run through the step list; progress is gated on
  field validation and unlocked steps stay reachable.
- Draft: auto-saved field values; kept for the retention window so an
  applicant can resume where they left off.
- Lookup: company registry search that pre-fills the company step.
- Submission: validates everything, renders a PDF recap, enforces size
  ceilings, and dispatches mail; the session is confirmed afterwards.
- Event log: diary of changes, view with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("session", "", "session id (overrides FORMLINE_SESSION)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(lookupCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage form config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default formline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage form sessions"}
	s.AddCommand(sessionNewCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionNextCmd())
	s.AddCommand(sessionPrevCmd())
	s.AddCommand(sessionJumpCmd())
	s.AddCommand(sessionResetCmd())
	return s
}

func sessionNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *draft.Store) error {
				s, err := e.CreateSession(ctx, "")
				if err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				if err := setEnvValue(filepath.Join(workspace, ".env"), "FORMLINE_SESSION", s.ID); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *draft.Store) error {
				id, err := currentSession()
				if err != nil {
					return err
				}
				s, err := e.Session(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Step", "Highest", "Status", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.CurrentStep, s.HighestCompleted, s.Status, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sessionNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Advance to the next step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return navCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) (engine.NavResult, error) {
				return e.Next(ctx, id)
			})
		},
	}
	return cmd
}

func sessionPrevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prev",
		Short: "Return to the previous step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return navCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) (engine.NavResult, error) {
				return e.Previous(ctx, id)
			})
		},
	}
	return cmd
}

func sessionJumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jump <step>",
		Short: "Jump to an unlocked step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			return navCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) (engine.NavResult, error) {
				return e.Jump(ctx, id, target)
			})
		},
	}
	return cmd
}

func sessionResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the session to step 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, drafts *draft.Store) error {
				id, err := currentSession()
				if err != nil {
					return err
				}
				s, err := e.Reset(ctx, id)
				if err != nil {
					return err
				}
				drafts.Clear(ctx, id)
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func navCommand(ctx context.Context, nav func(context.Context, engine.Engine, string) (engine.NavResult, error)) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, _ *draft.Store) error {
		id, err := currentSession()
		if err != nil {
			return err
		}
		res, err := nav(ctx, e, id)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(res)
		}
		if !res.Applied && !res.Validation.OK {
			fmt.Println("Blocked by validation:")
			for field, msg := range res.Validation.FieldErrors {
				fmt.Printf("  %s: %s\n", field, msg)
			}
		}
		fmt.Printf("Step %d of session %s (highest completed: %d)\n",
			res.Session.CurrentStep, res.Session.ID, res.Session.HighestCompleted)
		return nil
	})
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Manage the session draft"}
	d.AddCommand(draftSaveCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftClearCmd())
	return d
}

func draftSaveCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save field values (field=value, repeatable)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(pairs) == 0 {
				return fmt.Errorf("--set field=value required at least once")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, drafts *draft.Store) error {
				id, err := currentSession()
				if err != nil {
					return err
				}
				if _, err := e.Session(ctx, id); err != nil {
					return err
				}
				known := map[string]bool{}
				for _, n := range e.Config.FieldNames() {
					known[n] = true
				}
				fields := drafts.Fields(ctx, id)
				for _, p := range pairs {
					k, v, ok := strings.Cut(p, "=")
					if !ok {
						return fmt.Errorf("invalid --set %q, expected field=value", p)
					}
					if !known[k] {
						return fmt.Errorf("unknown field %q; known fields: %s", k, strings.Join(e.Config.FieldNames(), ", "))
					}
					fields[k] = validate.Normalize(k, v)
				}
				drafts.SaveNow(id, fields)
				return printJSONOrTable(fields)
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "set", []string{}, "field=value (repeatable)")
	return cmd
}

func draftShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, drafts *draft.Store) error {
				id, err := currentSession()
				if err != nil {
					return err
				}
				d := drafts.Load(ctx, id)
				if d == nil {
					return fmt.Errorf("no draft for session %s", id)
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func draftClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard the stored draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, drafts *draft.Store) error {
				id, err := currentSession()
				if err != nil {
					return err
				}
				drafts.Clear(ctx, id)
				fmt.Printf("Cleared draft for %s\n", id)
				return nil
			})
		},
	}
	return cmd
}

func lookupCmd() *cobra.Command {
	var postal string
	cmd := &cobra.Command{
		Use:   "lookup <name>",
		Short: "Search the company registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			client := lookup.NewClient(cfg.Lookup.BaseURL, cfg.Lookup.MinQueryLength, cfg.LookupTimeout())
			results, err := client.Search(cmd.Context(), strings.Join(args, " "), postal)
			if err != nil {
				if errors.Is(err, lookup.ErrNoResults) {
					fmt.Println("No companies found.")
					return nil
				}
				var le *lookup.Error
				if errors.As(err, &le) {
					return fmt.Errorf("%s", le.Message())
				}
				return err
			}
			if viper.GetBool("json") {
				return printJSON(results)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Legal name", "SIRET", "VAT", "City"})
			for _, r := range results {
				tw.AppendRow(table.Row{r.LegalName, r.LegalID, r.VATNumber, r.Address.City})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&postal, "postal", "", "5-digit postal code filter")
	return cmd
}

func submitCmd() *cobra.Command {
	var noMail bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, drafts *draft.Store) error {
				id, err := currentSession()
				if err != nil {
					return err
				}
				var relay submit.Relay
				if !noMail && cfg.Submission.RelayURL != "" {
					relay = &submit.MailRelay{BaseURL: cfg.Submission.RelayURL}
				}
				pipeline := submit.NewPipeline(e.DB, cfg, e.Validator, drafts, e, pdf.NewRecapRenderer(), relay)
				pipeline.OutboxDir = filepath.Join(workspace, cfg.Submission.OutboxDir)
				res, err := pipeline.Submit(ctx, id)
				if err != nil {
					var ve *submit.ValidationError
					if errors.As(err, &ve) && !viper.GetBool("json") {
						fmt.Println("Submission blocked by validation:")
						for field, msg := range ve.Result.FieldErrors {
							fmt.Printf("  %s: %s\n", field, msg)
						}
					}
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&noMail, "no-mail", false, "skip mail dispatch")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var allSessions bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessionID := ""
				if !allSessions {
					id, err := currentSession()
					if err != nil {
						return err
					}
					sessionID = id
				}
				events, err := r.LatestEvents(ctx, n, sessionID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&allSessions, "all", false, "events across all sessions")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FORMLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FORMLINE_JWT_SECRET is required for bearer auth")
			}
			logger := newLogger()
			validator, err := validate.New(cfg)
			if err != nil {
				return err
			}
			drafts := draft.New(repo.Repo{DB: conn}, cfg.DraftDebounce(), cfg.DraftRetention())
			drafts.Logger = logger
			e := engine.New(conn, cfg, validator, drafts)
			var relay submit.Relay
			if cfg.Submission.RelayURL != "" {
				relay = &submit.MailRelay{BaseURL: cfg.Submission.RelayURL}
			}
			pipeline := submit.NewPipeline(conn, cfg, validator, drafts, e, pdf.NewRecapRenderer(), relay)
			pipeline.OutboxDir = filepath.Join(workspace, cfg.Submission.OutboxDir)
			pipeline.Logger = logger
			handler, err := server.New(server.Config{
				Engine:   e,
				Pipeline: pipeline,
				Drafts:   drafts,
				Lookup:   lookup.NewClient(cfg.Lookup.BaseURL, cfg.Lookup.MinQueryLength, cfg.LookupTimeout()),
				BasePath: basePath,
				Auth:     authCfg,
				Limiter:  server.NewMemoryRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
				Logger:   logger,
				Metrics:  server.NewMetrics(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Formline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, *draft.Store) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	validator, err := validate.New(cfg)
	if err != nil {
		return err
	}
	drafts := draft.New(repo.Repo{DB: conn}, cfg.DraftDebounce(), cfg.DraftRetention())
	e := engine.New(conn, cfg, validator, drafts)
	return fn(ctx, e, drafts)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func currentSession() (string, error) {
	if id := strings.TrimSpace(viper.GetString("session")); id != "" {
		return id, nil
	}
	if id := sessionFromEnvFile(viper.GetString("workspace")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no session selected; run 'fl session new' or pass --session")
}

func sessionFromEnvFile(workspace string) string {
	f, err := os.Open(filepath.Join(workspace, ".env"))
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "FORMLINE_SESSION="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
