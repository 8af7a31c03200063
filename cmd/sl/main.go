package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shiftline/internal/app"
	"shiftline/internal/config"
	"shiftline/internal/db"
	"shiftline/internal/engine"
	"shiftline/internal/logging"
	"shiftline/internal/repo"
	"shiftline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shiftline CLI",
	Long: `Shiftline coordinates shifts that need a fixed number of workers.
Core concepts:
- Shift: posted by a requester with a required worker count; draft -> open -> in_progress -> completed (cancelled is an exit).
- Application: a candidate's request to work a shift; pending until the requester accepts or rejects it.
- Admission: accepting applications never admits more workers than the shift needs; the last seat moves the shift to in_progress.
- Completion: requester and fulfiller side each confirm; the second confirmation completes the shift and issues a completion record.
- Ratings: each party rates the counterpart once per completed shift; reputations are recomputed from every rating received.
- Notifications: queued with each state change and delivered after commit by 'sl notifications drain' or 'sl serve'.
- Event log: every transition, view with 'sl log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// initConfig loads <workspace>/.env into the process environment (existing variables
// win) and then lets viper read SHIFTLINE_* variables.
func initConfig() {
	envPath := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", envPath, err)
	}
	viper.SetEnvPrefix("SHIFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "acting user id")
	flags.String("db-driver", db.DriverSQLite, "database driver (sqlite or postgres)")
	flags.String("db-dsn", "", "database DSN (required for postgres)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	for _, name := range []string{"workspace", "json", "actor-id", "db-driver", "db-dsn", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(shiftCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(applicationCmd())
	rootCmd.AddCommand(admitCmd())
	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(rateCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(useActorCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				driver := db.Config{Driver: viper.GetString("db-driver")}.Normalize().Driver
				if driver == db.DriverSQLite && viper.GetString("db-dsn") == "" {
					fmt.Printf("migrations applied (%s)\n", db.Path(viper.GetString("workspace")))
					return nil
				}
				fmt.Printf("migrations applied (%s)\n", driver)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Protocol configuration (shiftline.yml)"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate shiftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := config.Load(workspace); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", config.Path(workspace))
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default shiftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return fmt.Errorf("SHIFTLINE_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Logger:   a.Logger,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: allowActorHeader,
						Logger:                 a.Logger,
					},
				})
				if err != nil {
					return err
				}
				dispatchDone := make(chan struct{})
				go func() {
					defer close(dispatchDone)
					a.Dispatcher.Run(ctx)
				}()
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Shiftline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				err = srv.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				<-dispatchDone
				a.Logger.Info("server stopped", "addr", addr)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env SHIFTLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a bearer token for a user (defaults to --actor-id)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if len(args) == 1 {
				actor = args[0]
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actor, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"actor_id": actor, "token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func useActorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-actor <user-id>",
		Short: "Set the default actor for this workspace (.env)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), ".env")
			env, err := godotenv.Read(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			env["SHIFTLINE_ACTOR_ID"] = args[0]
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("actor set to %s in %s\n", args[0], path)
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return logging.New(os.Stderr, viper.GetString("log-format"), viper.GetString("log-level"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger := newLogger()
	a, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("db-dsn"),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logging.ContextWithLogger(ctx, logger), a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actor() string {
	return viper.GetString("actor-id")
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
