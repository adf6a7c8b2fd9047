package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"daylog/internal/app"
	"daylog/internal/config"
	"daylog/internal/db"
	"daylog/internal/domain"
	"daylog/internal/migrate"
	"daylog/internal/repo"
	"daylog/internal/server"
	"daylog/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "daylog",
	Short: "Daylog CLI",
	Long: `Daylog turns a day of GitHub activity into a versioned narrative log.
It fetches the commits of every tracked repository, analyzes each one with a
model, folds the analyses into a daily summary, and appends the result to an
immutable log history. Runs can be triggered from this CLI or over HTTP, and
watched live via the monitor stream.`,
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
	viper.SetEnvPrefix("DAYLOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Bootstrap(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func generateCmd() *cobra.Command {
	var date string
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run the daily analysis workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				target := date
				if target == "" {
					target = app.Yesterday(nil)
				}
				if _, err := time.Parse("2006-01-02", target); err != nil {
					return fmt.Errorf("invalid date %q, want YYYY-MM-DD", target)
				}
				outcome := a.Supervisor().RunSupervised(ctx, workflow.Input{Date: target, Force: force})
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"success":       outcome.Success,
						"status":        outcome.Status,
						"runId":         outcome.RunID,
						"date":          outcome.Date,
						"version":       outcome.Version,
						"logId":         outcome.LogID,
						"halted":        outcome.Halted,
						"executionTime": outcome.ExecutionTime.Milliseconds(),
					})
				}
				switch outcome.Status {
				case workflow.StatusSuccess:
					if outcome.Halted {
						fmt.Printf("log already exists for %s (id %s)\n", outcome.Date, outcome.LogID)
					} else {
						fmt.Printf("generated v%d for %s (log %s) in %s\n",
							outcome.Version, outcome.Date, outcome.LogID, outcome.ExecutionTime.Round(time.Millisecond))
					}
					return nil
				case workflow.StatusErrorWithFallback:
					fmt.Printf("run failed, fallback v%d written for %s: %v\n", outcome.Version, outcome.Date, outcome.Err)
					return nil
				default:
					return fmt.Errorf("run failed with no log written: %w", outcome.Err)
				}
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "target date YYYY-MM-DD (default yesterday UTC)")
	cmd.Flags().BoolVar(&force, "force", false, "run even when a log already exists")
	return cmd
}

func repoCmd() *cobra.Command {
	rc := &cobra.Command{Use: "repo", Short: "Manage tracked repositories"}
	rc.AddCommand(repoAddCmd())
	rc.AddCommand(repoListCmd())
	rc.AddCommand(repoSetEnabledCmd("enable", true))
	rc.AddCommand(repoSetEnabledCmd("disable", false))
	return rc
}

func repoAddCmd() *cobra.Command {
	var language, branch, depth, description string
	var private bool
	cmd := &cobra.Command{
		Use:   "add <owner/name>",
		Short: "Track a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parts := strings.SplitN(args[0], "/", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return fmt.Errorf("invalid repository %q, want owner/name", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Store.InsertRepository(ctx, domain.Repository{
					Owner:           parts[0],
					Name:            parts[1],
					FullName:        args[0],
					Description:     description,
					Language:        language,
					DefaultBranch:   branch,
					IsPrivate:       private,
					AnalysisEnabled: true,
					AnalysisDepth:   depth,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("tracking %s (id %s)\n", rep.FullName, rep.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "primary language")
	cmd.Flags().StringVar(&branch, "branch", "main", "default branch")
	cmd.Flags().StringVar(&depth, "depth", "standard", "analysis depth (basic|standard|deep)")
	cmd.Flags().StringVar(&description, "description", "", "repository description")
	cmd.Flags().BoolVar(&private, "private", false, "repository is private")
	return cmd
}

func repoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				repos, err := a.Store.ListRepositories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(repos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repository", "Language", "Enabled", "Depth"})
				for _, r := range repos {
					tw.AppendRow(table.Row{r.ID, r.FullName, r.Language, r.AnalysisEnabled, r.AnalysisDepth})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func repoSetEnabledCmd(use string, enabled bool) *cobra.Command {
	short := "Disable analysis for a repository"
	if enabled {
		short = "Enable analysis for a repository"
	}
	return &cobra.Command{
		Use:   use + " <repository-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Store.UpdateRepository(ctx, args[0], repo.RepositoryUpdate{AnalysisEnabled: &enabled})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("%s: analysis_enabled=%v\n", rep.FullName, rep.AnalysisEnabled)
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	lc := &cobra.Command{Use: "logs", Short: "Inspect activity logs"}
	lc.AddCommand(logsListCmd())
	lc.AddCommand(logsShowCmd())
	return lc
}

func logsListCmd() *cobra.Command {
	var date string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activity logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logs, err := a.Store.ListLogs(ctx, date, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Type", "Title", "Processed"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.ID, l.Date, l.LogType, l.Title, l.Processed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "filter to one YYYY-MM-DD date")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func logsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <log-id>",
		Short: "Show one activity log with its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				log, err := a.Store.GetLog(ctx, args[0])
				if err != nil {
					return err
				}
				details, err := a.Store.LogDetails(ctx, log.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"log": log, "details": details})
				}
				fmt.Printf("%s  %s\n%s\n\n%s\n", log.Date, log.Title, strings.Repeat("-", 40), log.Summary)
				for _, b := range log.Bullets {
					fmt.Printf("  - %s\n", b)
				}
				if len(details) > 0 {
					fmt.Println()
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Type", "Title", "Description"})
					for _, d := range details {
						tw.AppendRow(table.Row{d.Type, d.Title, d.Description})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	rc := &cobra.Command{Use: "runs", Short: "Inspect workflow runs"}
	rc.AddCommand(&cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the persisted events of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Events().ListRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Type", "Step", "Error", "At"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Type, r.StepID, r.Error, r.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rc
}

func configCmd() *cobra.Command {
	cc := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cc.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default daylog.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	cc.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cc
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			fmt.Printf("database up to date at schema version %d\n", v)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			a, err := app.Bootstrap(cmd.Context(), viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.Cfg.Server.Addr
			}
			if basePath == "" {
				basePath = a.Cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Store:      a.Store,
				Supervisor: a.Supervisor(),
				Events:     a.Events(),
				BasePath:   basePath,
				Log:        log,
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
			log.Info("listening", "addr", addr, "base_path", basePath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}
