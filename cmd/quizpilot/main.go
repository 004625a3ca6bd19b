package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quizpilot/quizpilot/internal/canned"
	"github.com/quizpilot/quizpilot/internal/collab"
	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/db"
	"github.com/quizpilot/quizpilot/internal/dedup"
	"github.com/quizpilot/quizpilot/internal/items"
	"github.com/quizpilot/quizpilot/internal/learn"
	"github.com/quizpilot/quizpilot/internal/lock"
	"github.com/quizpilot/quizpilot/internal/logging"
	"github.com/quizpilot/quizpilot/internal/planner"
	"github.com/quizpilot/quizpilot/internal/publish"
	"github.com/quizpilot/quizpilot/internal/schedule"
	"github.com/quizpilot/quizpilot/internal/weights"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quizpilot",
		Short: "Adaptive quiz channel autopilot",
		Long: `Quizpilot plans, publishes and learns from short quiz videos:
it schedules daily items into randomized time windows, rejects duplicate
questions, and adapts template/topic/voice/music choices to observed
engagement.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runDueCmd())
	rootCmd.AddCommand(learnCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(rebuildCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("quizpilot %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize quizpilot config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get config directory: %v", err)})
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get data directory: %v", err)})
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create config directory: %v", err)})
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create data directory: %v", err)})
			}

			// Write the default config the first time so it can be edited.
			if _, err := os.Stat(configDir + "/config.yaml"); os.IsNotExist(err) {
				if err := config.Default().Save(); err != nil {
					fail(Result{Message: fmt.Sprintf("Failed to write default config: %v", err)})
				}
			}

			if err := db.Init(); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to initialize database: %v", err)})
			}

			dbPath, err := db.GetPath()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get database path: %v", err)})
			}
			result.DBPath = dbPath
			result.Message = "Quizpilot initialized successfully"

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nQuizpilot initialized successfully!")
			}
		},
	}
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a day's items (idempotent)",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK             bool   `json:"ok"`
				Message        string `json:"message,omitempty"`
				Day            string `json:"day,omitempty"`
				AlreadyPlanned bool   `json:"already_planned,omitempty"`
				ColdStart      bool   `json:"cold_start,omitempty"`
				Items          int    `json:"items,omitempty"`
			}

			dateStr, _ := cmd.Flags().GetString("date")
			day := time.Now().UTC()
			if dateStr != "" {
				var err error
				day, err = time.Parse("2006-01-02", dateStr)
				if err != nil {
					fail(Result{Message: fmt.Sprintf("Invalid --date (want YYYY-MM-DD): %v", err)})
				}
			}

			cfg, conn, log, release := setup()
			defer release()
			defer conn.Close()

			ix := dedup.New(conn, cfg.Dedup, log)
			ws := weights.New(conn, log)

			var gen collab.Generator
			if len(cfg.Collab.GeneratorCommand) > 0 {
				gen = &collab.ScriptGenerator{Command: cfg.Collab.GeneratorCommand}
			} else {
				log.Warn().Msg("no generator configured, using built-in question bank")
				gen = &canned.Generator{Rng: rand.New(rand.NewSource(schedule.DaySeed("canned", day)))}
			}

			p := planner.New(conn, cfg, ix, ws, gen, log)
			res, err := p.PlanDay(context.Background(), day)
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Planning failed: %v", err)})
			}

			result := Result{
				OK:             true,
				Day:            res.Day,
				AlreadyPlanned: res.AlreadyPlanned,
				ColdStart:      res.ColdStart,
				Items:          len(res.Items),
			}
			if jsonOutput {
				printJSON(result)
			} else if res.AlreadyPlanned {
				fmt.Printf("%s already planned (%d items)\n", res.Day, len(res.Items))
			} else {
				fmt.Printf("✓ Planned %d items for %s\n", len(res.Items), res.Day)
				for _, it := range res.Items {
					fmt.Printf("  %s %s/%s at %s\n", it.Kind, it.Template, it.Topic,
						it.DueAt.Format("15:04"))
				}
			}
		},
	}
	cmd.Flags().String("date", "", "Day to plan, YYYY-MM-DD (default: today, UTC)")
	return cmd
}

func runDueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-due",
		Short: "Render and post items whose publish time has arrived",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				*publish.Result
			}

			nowStr, _ := cmd.Flags().GetString("now")

			cfg, conn, log, release := setup()
			defer release()
			defer conn.Close()

			var renderer collab.Renderer
			var uploader collab.Uploader
			if len(cfg.Collab.RendererCommand) > 0 {
				renderer = &collab.ScriptRenderer{Command: cfg.Collab.RendererCommand}
			}
			if len(cfg.Collab.UploaderCommand) > 0 {
				uploader = &collab.ScriptUploader{Command: cfg.Collab.UploaderCommand}
			}

			m := publish.New(conn, cfg, renderer, uploader, log)
			if nowStr != "" {
				now, err := time.Parse(time.RFC3339, nowStr)
				if err != nil {
					fail(Result{Message: fmt.Sprintf("Invalid --now (want RFC3339): %v", err)})
				}
				m.Clock = func() time.Time { return now.UTC() }
			}
			res, err := m.RunDue(context.Background())
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Run-due failed: %v", err)})
			}

			if jsonOutput {
				printJSON(Result{OK: true, Result: res})
			} else {
				fmt.Printf("✓ posted=%d rendered=%d failed=%d skipped=%d capped=%d\n",
					res.Posted, res.Rendered, res.Failed, res.Skipped, res.Capped)
			}
		},
	}
	cmd.Flags().String("now", "", "Override the current time, RFC3339 (for replay)")
	return cmd
}

func learnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "learn",
		Short: "Score posted items and update learned weights",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				*learn.Result
			}

			cfg, conn, log, release := setup()
			defer release()
			defer conn.Close()

			if len(cfg.Collab.AnalyticsCommand) == 0 {
				fail(Result{Message: "No analytics command configured (collaborators.analytics_command)"})
			}
			analytics := &collab.ScriptAnalytics{Command: cfg.Collab.AnalyticsCommand}

			l := learn.New(conn, cfg, analytics, weights.New(conn, log), log)
			res, err := l.Run(context.Background())
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Learn failed: %v", err)})
			}

			if jsonOutput {
				printJSON(Result{OK: true, Result: res})
			} else {
				fmt.Printf("✓ scored=%d no_data=%d errors=%d\n", res.Scored, res.NoData, res.Errors)
			}
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Run: func(cmd *cobra.Command, args []string) {
			type ArmInfo struct {
				Arm  string  `json:"arm"`
				N    int     `json:"n"`
				Mean float64 `json:"mean"`
			}

			type Result struct {
				OK          bool                 `json:"ok"`
				Message     string               `json:"message,omitempty"`
				ByStatus    map[string]int       `json:"by_status,omitempty"`
				PostedToday int                  `json:"posted_today"`
				PostedWeek  int                  `json:"posted_week"`
				NextDue     string               `json:"next_due,omitempty"`
				NextDueItem string               `json:"next_due_item,omitempty"`
				Learned     map[string][]ArmInfo `json:"learned,omitempty"`
			}

			conn, err := db.Open()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to open database: %v", err)})
			}
			defer conn.Close()

			result := Result{OK: true, ByStatus: make(map[string]int)}
			for _, st := range []items.Status{items.StatusPending, items.StatusRendered,
				items.StatusPosted, items.StatusFailed, items.StatusSkipped} {
				list, err := items.ListByStatus(conn, st)
				if err != nil {
					fail(Result{Message: fmt.Sprintf("Failed to list items: %v", err)})
				}
				result.ByStatus[string(st)] = len(list)
				if st == items.StatusPending && len(list) > 0 {
					result.NextDue = list[0].DueAt.Format(time.RFC3339)
					result.NextDueItem = list[0].ID
				}
			}

			now := time.Now().UTC()
			result.PostedToday, _ = items.GetCounter(conn, items.DayKey(now), publish.MetricShortsPosted)
			result.PostedWeek, _ = items.GetCounter(conn, items.WeekKey(now), publish.MetricLongsPosted)

			log := logging.New(jsonOutput, verbose)
			ws := weights.New(conn, log)
			result.Learned = make(map[string][]ArmInfo)
			for _, dim := range []string{planner.DimTemplate, planner.DimTopic,
				planner.DimVoice, planner.DimMusic, planner.DimTimeSlot} {
				stats, err := ws.LoadStats(dim)
				if err != nil {
					fail(Result{Message: fmt.Sprintf("Failed to load arm stats: %v", err)})
				}
				for arm, st := range stats {
					result.Learned[dim] = append(result.Learned[dim],
						ArmInfo{Arm: arm, N: st.N, Mean: st.Mean})
				}
				sort.Slice(result.Learned[dim], func(i, j int) bool {
					return result.Learned[dim][i].Mean > result.Learned[dim][j].Mean
				})
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Println("Items:")
				for st, n := range result.ByStatus {
					fmt.Printf("  %-9s %d\n", st, n)
				}
				fmt.Printf("Posted today (shorts): %d\n", result.PostedToday)
				fmt.Printf("Posted this week (longs): %d\n", result.PostedWeek)
				if result.NextDue != "" {
					fmt.Printf("Next due: %s (%s)\n", result.NextDue, result.NextDueItem)
				}
				for dim, arms := range result.Learned {
					if len(arms) == 0 {
						continue
					}
					fmt.Printf("%s:\n", dim)
					for _, a := range arms {
						fmt.Printf("  %-12s mean=%.3f n=%d\n", a.Arm, a.Mean, a.N)
					}
				}
			}
		},
	}
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove records past the retention horizon",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK           bool   `json:"ok"`
				Message      string `json:"message,omitempty"`
				UsedItems    int64  `json:"used_items"`
				RewardEvents int64  `json:"reward_events"`
				Counters     int64  `json:"counters"`
			}

			cfg, conn, log, release := setup()
			defer release()
			defer conn.Close()

			result := Result{OK: true}
			var err error

			ix := dedup.New(conn, cfg.Dedup, log)
			if result.UsedItems, err = ix.Prune(); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to prune duplicate index: %v", err)})
			}

			ws := weights.New(conn, log)
			if result.RewardEvents, err = ws.PruneEvents(cfg.Learner.RewardRetentionDays); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to prune reward events: %v", err)})
			}

			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Dedup.RetentionDays)
			if result.Counters, err = items.PruneCounters(conn, cutoff); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to prune counters: %v", err)})
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ pruned %d index records, %d reward events, %d counters\n",
					result.UsedItems, result.RewardEvents, result.Counters)
			}
		},
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild learned stats and weights from the reward event log",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
			}

			cfg, conn, log, release := setup()
			defer release()
			defer conn.Close()

			ws := weights.New(conn, log)
			if err := ws.RebuildFromEvents(cfg.Learner.Alpha, cfg.Learner.WeightFloor); err != nil {
				fail(Result{Message: fmt.Sprintf("Rebuild failed: %v", err)})
			}

			result := Result{OK: true, Message: "Learning state rebuilt from reward log"}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Println("✓ Learning state rebuilt from reward log")
			}
		},
	}
}

// setup loads config, acquires the single-invocation lock and opens the
// database. An invocation that loses the lock race exits 0: overlapping cron
// runs are expected, not an error.
func setup() (*config.Config, *sql.DB, zerolog.Logger, func()) {
	log := logging.New(jsonOutput, verbose)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	dataDir, err := config.GetDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	release, err := lock.Acquire(dataDir)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			log.Info().Msg("another invocation is running, skipping")
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	conn, err := db.Open()
	if err != nil {
		release()
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}

	return cfg, conn, log, release
}

// fail prints an error result and exits non-zero. The value is one of the
// per-command Result structs with only Message set (OK stays false).
func fail(result any) {
	if jsonOutput {
		printJSON(result)
	} else if b, err := json.Marshal(result); err == nil {
		var m struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(b, &m)
		fmt.Fprintf(os.Stderr, "Error: %s\n", m.Message)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
