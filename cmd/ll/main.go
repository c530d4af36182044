package main

import (
	"context"
	"database/sql"
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

	"loreline/internal/app"
	"loreline/internal/config"
	"loreline/internal/db"
	"loreline/internal/journal"
	"loreline/internal/migrate"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/server"
	"loreline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Loreline live session server",
	Long: `Loreline runs live tabletop sessions for a persistent world.
Core concepts:
- World: the places, characters, challenges and narrative events imported from a world file.
- Session: the DM and players connected to one world over a websocket.
- Queues: player actions, model reasoning, DM approvals and asset requests, drained in the background.
- Staging: which NPCs are present in a region, approved by the DM and valid for a stretch of game time.
- Approvals: every dice outcome, triggered event and NPC reply waits for the DM before players see it.
- Event log: every world change, view with 'll log tail'.`,
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
	viper.SetEnvPrefix("LORELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("world", "", "world id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("world", rootCmd.PersistentFlags().Lookup("world"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(worldCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(stagingCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads loreline.yml when present, then applies LORELINE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func requireWorld() (string, error) {
	id := strings.TrimSpace(viper.GetString("world"))
	if id == "" {
		return "", fmt.Errorf("--world required")
	}
	return id, nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect server config",
		Long:  "Config lives in loreline.yml next to the .loreline directory. Deployment settings can be overridden with LORELINE_* variables.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default loreline.yml",
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

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if !statusOnly {
				if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
					return err
				}
			}
			st, err := migrate.Inspect(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("schema version %d of %d\n", st.Current, st.Latest)
			for _, name := range st.Pending {
				fmt.Println("  pending:", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "report without applying")
	return cmd
}

func worldCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "world",
		Short: "Manage worlds",
		Long:  "Worlds are authored as YAML files and imported whole: locations, regions, NPCs, PCs, scenes, challenges and narrative events.",
	}
	w.AddCommand(worldImportCmd())
	w.AddCommand(worldListCmd())
	return w
}

func worldImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a world file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			seed, err := repo.ParseSeed(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.ImportSeed(ctx, seed); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"world_id": seed.World.ID, "regions": len(seed.Regions), "npcs": len(seed.NPCs)})
				}
				fmt.Printf("imported world %s (%d regions, %d NPCs, %d PCs)\n", seed.World.ID, len(seed.Regions), len(seed.NPCs), len(seed.PCs))
				return nil
			})
		},
	}
}

func worldListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worlds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				worlds, err := r.ListWorlds(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(worlds)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Game Time"})
				for _, w := range worlds {
					tw.AppendRow(table.Row{w.ID, w.Name, w.GameTime})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Inspect work queues",
		Long:  "Queues hold player actions, model requests, DM approvals and asset requests. These commands read the SQLite queue store directly.",
	}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueStatsCmd())
	q.AddCommand(queueCleanupCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var name, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items by status, or a world's unfinished items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				backend := queue.NewSQLiteBackend(conn)
				qn := queue.Name(name)
				var items []queue.Item
				var err error
				if world := strings.TrimSpace(viper.GetString("world")); world != "" && status == "" {
					items, err = backend.ListByWorld(ctx, qn, world)
				} else {
					if status == "" {
						status = string(queue.StatusPending)
					}
					items, err = backend.ListByStatus(ctx, qn, queue.Status(status), limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "World", "Status", "Attempts", "Correlation", "Created", "Error"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.WorldID, it.Status, fmt.Sprintf("%d/%d", it.Attempts, it.MaxAttempts),
						it.CorrelationID, it.CreatedAt.Format(time.RFC3339), it.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "queue", string(queue.PlayerAction), "queue name (player_action, llm_reasoning, dm_approval, asset_generation)")
	cmd.Flags().StringVar(&status, "status", "", "item status (default pending)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Item counts per queue and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				stats, err := queue.NewSet(queue.NewSQLiteBackend(conn)).Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Queue", "Pending", "In Progress", "Delayed", "Completed", "Failed", "Expired"})
				for _, name := range queue.Names {
					s := stats[name]
					tw.AppendRow(table.Row{name, s.Pending, s.InProgress, s.Delayed, s.Completed, s.Failed, s.Expired})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueCleanupCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Expire stale waiting items and delete finished history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.Queues.HistoryRetention
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				m := &queue.Maintainer{
					Set:         queue.NewSet(queue.NewSQLiteBackend(conn)),
					Retention:   olderThan,
					ExpireAfter: olderThan,
					Logger:      log.New(os.Stderr, "", log.LstdFlags),
				}
				res := m.CleanupOnce(ctx)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("expired %d, deleted %d\n", res.Expired, res.Deleted)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default queues.history_retention)")
	return cmd
}

func stagingCmd() *cobra.Command {
	s := &cobra.Command{Use: "staging", Short: "Inspect NPC staging"}
	s.AddCommand(stagingHistoryCmd())
	return s
}

func stagingHistoryCmd() *cobra.Command {
	var region string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Staging entries for a region, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if region == "" {
				return fmt.Errorf("--region required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.StagingHistory(ctx, region, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Source", "Approved (game)", "TTL", "By", "Active", "NPCs"})
				for _, e := range items {
					var names []string
					for _, n := range e.Npcs {
						if n.IsPresent {
							names = append(names, n.Name)
						}
					}
					tw.AppendRow(table.Row{e.ID, e.Source, e.ApprovedAt.Format(time.RFC3339), fmt.Sprintf("%dh", e.TTLHours),
						e.ApprovedBy, e.IsActive, strings.Join(names, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "region id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "World changes are kept in the event log. Delivered session messages are kept in the per-world journal.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	var fromJournal bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events or the session journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromJournal {
				world, err := requireWorld()
				if err != nil {
					return err
				}
				dir := db.JournalDir(viper.GetString("workspace"))
				cfg, err := loadConfig()
				if err == nil && cfg.Journal.Dir != "" {
					dir = cfg.Journal.Dir
				}
				entries, err := journal.Tail(dir, world, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, e := range entries {
					fmt.Printf("%s %-9s %-22s %s\n", e.At.Format(time.RFC3339), e.Route, e.Type, e.Body)
				}
				return nil
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, repo.EventFilter{
					WorldID:    strings.TrimSpace(viper.GetString("world")),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&fromJournal, "journal", false, "read the session journal of --world instead")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage access tokens"}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var user string
	var roles, worlds []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured secret",
		Long:  "Roles: operator (every world), dm (inspection of the listed worlds, or all), player (websocket only).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret or LORELINE_JWT_SECRET is required")
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, user, roles, worlds, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	cmd.Flags().StringSliceVar(&worlds, "world-scope", nil, "world ids a dm token may inspect")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "lifetime, 0 for none")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowAnonymous {
				return fmt.Errorf("LORELINE_JWT_SECRET is required unless server.allow_anonymous is set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(os.Stderr, "", log.LstdFlags)
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(ctx, conn); err != nil {
				return err
			}

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
			if err != nil {
				return err
			}
			defer func() {
				flush, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(flush)
			}()

			opts := app.Options{Config: cfg, DB: conn, Logger: logger, Tracer: telemetry.Tracer("pipeline")}
			if cfg.Journal.Enabled {
				dir := cfg.Journal.Dir
				if dir == "" {
					dir = db.JournalDir(workspace)
				}
				j := journal.New(dir, logger)
				defer j.Close()
				opts.Recorder = j
			}
			a, err := app.New(opts)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				App:      a,
				BasePath: cfg.Server.BasePath,
				WSPath:   "/ws",
				Auth: server.AuthConfig{
					JWTSecret:      cfg.Server.JWTSecret,
					AllowAnonymous: cfg.Server.AllowAnonymous,
					Logger:         logger,
				},
			})
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				a.Run(ctx)
			}()
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdown)
			}()
			fmt.Printf("Serving Loreline on http://%s (websocket at /ws, API at %s, docs at %s/docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-done
				return err
			}
			<-done
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, conn)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, repo.Repo{DB: conn})
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
