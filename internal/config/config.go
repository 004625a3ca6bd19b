package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the full quizpilot configuration. It is loaded and validated once
// at startup and passed down by pointer; leaf code never re-reads it from disk.
type Config struct {
	Planner  PlannerConfig  `yaml:"planner"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Learner  LearnerConfig  `yaml:"learner"`
	Publish  PublishConfig  `yaml:"publish"`
	Retry    RetryConfig    `yaml:"retry"`
	Safety   SafetyConfig   `yaml:"safety"`
	Collab   CollabConfig   `yaml:"collaborators"`
}

// PlannerConfig controls day planning and the decision dimensions.
type PlannerConfig struct {
	// ShortsPerDayChoices/Weights define the weighted distribution the daily
	// short count is drawn from.
	ShortsPerDayChoices []int     `yaml:"shorts_per_day_choices"`
	ShortsPerDayWeights []float64 `yaml:"shorts_per_day_weights"`

	// LongDays lists weekdays (0=Sunday .. 6=Saturday) that get one long item.
	LongDays    []int `yaml:"long_days"`
	LongEnabled bool  `yaml:"long_enabled"`

	Templates []string `yaml:"templates"`
	Topics    []string `yaml:"topics"`
	Voices    []string `yaml:"voices"`
	MusicArms []string `yaml:"music_arms"`

	// PatternBias is the probability a slot is drawn from a recent
	// high-performing joint pattern instead of per-dimension sampling.
	PatternBias     float64 `yaml:"pattern_bias"`
	PatternLimit    int     `yaml:"pattern_limit"`
	PatternMinCount int     `yaml:"pattern_min_count"`
	PatternDays     int     `yaml:"pattern_days"`

	// MaxCandidateAttempts bounds how many fresh candidates are requested from
	// the generator before falling back to the canned bank.
	MaxCandidateAttempts int `yaml:"max_candidate_attempts"`
}

// ScheduleConfig controls the time-window allocator.
type ScheduleConfig struct {
	// ShortWindows are "HH:MM-HH:MM" local-day windows.
	ShortWindows []string `yaml:"short_windows"`
	LongWindow   string   `yaml:"long_window"`

	JitterSeconds  int `yaml:"jitter_seconds"`
	MinGapMinutes  int `yaml:"min_gap_minutes"`
	MinLeadMinutes int `yaml:"min_lead_minutes"`
}

// DedupConfig controls the duplicate index.
type DedupConfig struct {
	QuestionLookbackDays   int `yaml:"question_lookback_days"`
	BackgroundLookbackDays int `yaml:"background_lookback_days"`
	MusicLookbackDays      int `yaml:"music_lookback_days"`
	RetentionDays          int `yaml:"retention_days"`

	// SimilarityThreshold is a token-set ratio in [0,100]; candidates scoring
	// at or above it against any recent normalized text are duplicates.
	SimilarityThreshold int `yaml:"similarity_threshold"`
	FuzzyScanLimit      int `yaml:"fuzzy_scan_limit"`

	AnswerCooldownDays       int     `yaml:"answer_cooldown_days"`
	AnswerCooldownRejectProb float64 `yaml:"answer_cooldown_reject_prob"`
}

// LearnerConfig controls reward learning.
type LearnerConfig struct {
	// Strategy is "bandit" or "ema"; PerDimension overrides it per dimension.
	Strategy     string            `yaml:"strategy"`
	PerDimension map[string]string `yaml:"per_dimension"`

	Epsilon          float64 `yaml:"epsilon"`
	ExplorationFloor float64 `yaml:"exploration_floor"`
	Alpha            float64 `yaml:"alpha"`
	WeightFloor      float64 `yaml:"weight_floor"`

	// RescoreLookbackHours gives the escalating ages at which a posted item is
	// (re-)scored; each pass is an independent reward observation.
	RescoreLookbackHours []int `yaml:"rescore_lookback_hours"`

	// RewardRetentionDays bounds the append-only reward log. It is kept much
	// longer than the dedup retention: pruned events are gone from any later
	// rebuild-by-replay.
	RewardRetentionDays int `yaml:"reward_retention_days"`

	AnalyticsRatePerSecond float64 `yaml:"analytics_rate_per_second"`
	AnalyticsRateBurst     int     `yaml:"analytics_rate_burst"`
}

// PublishConfig controls the publish-state machine and hard caps.
type PublishConfig struct {
	MaxShortsPerDay   int `yaml:"max_shorts_per_day"`
	MaxLongsPerWeek   int `yaml:"max_longs_per_week"`
	StalePendingHours int `yaml:"stale_pending_hours"`
}

// RetryConfig is the backoff envelope for collaborator calls.
type RetryConfig struct {
	MaxAttempts            int     `yaml:"max_attempts"`
	InitialIntervalSeconds float64 `yaml:"initial_interval_seconds"`
	MaxIntervalSeconds     float64 `yaml:"max_interval_seconds"`
}

// SafetyConfig gates generated text before it is accepted.
type SafetyConfig struct {
	MinQuestionLen int      `yaml:"min_question_len"`
	MaxQuestionLen int      `yaml:"max_question_len"`
	MinAnswerLen   int      `yaml:"min_answer_len"`
	MaxAnswerLen   int      `yaml:"max_answer_len"`
	Banned         []string `yaml:"banned"`
}

// CollabConfig names the external collaborator commands. Empty values mean the
// collaborator is not configured; plan falls back to the canned generator and
// run-due reports rendering as unavailable.
type CollabConfig struct {
	GeneratorCommand []string `yaml:"generator_command"`
	RendererCommand  []string `yaml:"renderer_command"`
	UploaderCommand  []string `yaml:"uploader_command"`
	AnalyticsCommand []string `yaml:"analytics_command"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Planner: PlannerConfig{
			ShortsPerDayChoices:  []int{3, 4, 5},
			ShortsPerDayWeights:  []float64{1, 2, 1},
			LongDays:             []int{5}, // Friday
			LongEnabled:          true,
			Templates:            []string{"classic", "true_false", "countdown", "two_choice"},
			Topics:               []string{"capitals", "continents", "currencies", "elements", "science", "math", "truefalse"},
			Voices:               []string{"female", "male"},
			MusicArms:            []string{"on", "off"},
			PatternBias:          0.60,
			PatternLimit:         6,
			PatternMinCount:      3,
			PatternDays:          45,
			MaxCandidateAttempts: 8,
		},
		Schedule: ScheduleConfig{
			ShortWindows:   []string{"11:00-13:00", "15:00-17:00", "19:00-21:00"},
			LongWindow:     "17:00-21:00",
			JitterSeconds:  420,
			MinGapMinutes:  45,
			MinLeadMinutes: 15,
		},
		Dedup: DedupConfig{
			QuestionLookbackDays:     15,
			BackgroundLookbackDays:   10,
			MusicLookbackDays:        7,
			RetentionDays:            90,
			SimilarityThreshold:      90,
			FuzzyScanLimit:           250,
			AnswerCooldownDays:       30,
			AnswerCooldownRejectProb: 0.85,
		},
		Learner: LearnerConfig{
			Strategy:               "bandit",
			Epsilon:                0.20,
			ExplorationFloor:       0.15,
			Alpha:                  0.30,
			WeightFloor:            0.05,
			RescoreLookbackHours:   []int{24, 72, 168},
			RewardRetentionDays:    365,
			AnalyticsRatePerSecond: 1.0,
			AnalyticsRateBurst:     2,
		},
		Publish: PublishConfig{
			MaxShortsPerDay:   6,
			MaxLongsPerWeek:   5,
			StalePendingHours: 6,
		},
		Retry: RetryConfig{
			MaxAttempts:            5,
			InitialIntervalSeconds: 1.5,
			MaxIntervalSeconds:     30,
		},
		Safety: SafetyConfig{
			MinQuestionLen: 8,
			MaxQuestionLen: 200,
			MinAnswerLen:   1,
			MaxAnswerLen:   60,
		},
	}
}

// Validate checks invariants that the rest of the program assumes.
func (c *Config) Validate() error {
	p := c.Planner
	if len(p.ShortsPerDayChoices) == 0 || len(p.ShortsPerDayChoices) != len(p.ShortsPerDayWeights) {
		return fmt.Errorf("planner: shorts_per_day_choices and shorts_per_day_weights must be non-empty and equal length")
	}
	for _, n := range p.ShortsPerDayChoices {
		if n <= 0 {
			return fmt.Errorf("planner: shorts_per_day_choices must be positive, got %d", n)
		}
	}
	for _, w := range p.ShortsPerDayWeights {
		if w <= 0 {
			return fmt.Errorf("planner: shorts_per_day_weights must be positive, got %f", w)
		}
	}
	for _, d := range p.LongDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("planner: long_days entries must be 0..6, got %d", d)
		}
	}
	if len(p.Templates) == 0 || len(p.Topics) == 0 || len(p.Voices) == 0 || len(p.MusicArms) == 0 {
		return fmt.Errorf("planner: templates, topics, voices and music_arms must all be non-empty")
	}
	if p.PatternBias < 0 || p.PatternBias > 1 {
		return fmt.Errorf("planner: pattern_bias must be in [0,1], got %f", p.PatternBias)
	}
	if p.MaxCandidateAttempts <= 0 {
		return fmt.Errorf("planner: max_candidate_attempts must be positive")
	}

	if len(c.Schedule.ShortWindows) == 0 {
		return fmt.Errorf("schedule: short_windows must be non-empty")
	}
	if c.Schedule.JitterSeconds < 0 || c.Schedule.MinGapMinutes < 0 || c.Schedule.MinLeadMinutes < 0 {
		return fmt.Errorf("schedule: jitter, min gap and min lead must be non-negative")
	}

	d := c.Dedup
	if d.SimilarityThreshold < 0 || d.SimilarityThreshold > 100 {
		return fmt.Errorf("dedup: similarity_threshold must be in [0,100], got %d", d.SimilarityThreshold)
	}
	if d.FuzzyScanLimit <= 0 {
		return fmt.Errorf("dedup: fuzzy_scan_limit must be positive")
	}
	if d.RetentionDays < d.QuestionLookbackDays {
		return fmt.Errorf("dedup: retention_days (%d) must cover question_lookback_days (%d)", d.RetentionDays, d.QuestionLookbackDays)
	}
	if d.AnswerCooldownRejectProb < 0 || d.AnswerCooldownRejectProb > 1 {
		return fmt.Errorf("dedup: answer_cooldown_reject_prob must be in [0,1]")
	}

	l := c.Learner
	switch l.Strategy {
	case "bandit", "ema":
	default:
		return fmt.Errorf("learner: strategy must be \"bandit\" or \"ema\", got %q", l.Strategy)
	}
	for dim, s := range l.PerDimension {
		if s != "bandit" && s != "ema" {
			return fmt.Errorf("learner: per_dimension[%s] must be \"bandit\" or \"ema\", got %q", dim, s)
		}
	}
	if l.Epsilon < 0 || l.Epsilon > 1 {
		return fmt.Errorf("learner: epsilon must be in [0,1], got %f", l.Epsilon)
	}
	if l.Alpha <= 0 || l.Alpha >= 1 {
		return fmt.Errorf("learner: alpha must be in (0,1), got %f", l.Alpha)
	}
	if l.WeightFloor <= 0 {
		return fmt.Errorf("learner: weight_floor must be positive, got %f", l.WeightFloor)
	}
	if len(l.RescoreLookbackHours) == 0 {
		return fmt.Errorf("learner: rescore_lookback_hours must be non-empty")
	}
	for i := 1; i < len(l.RescoreLookbackHours); i++ {
		if l.RescoreLookbackHours[i] <= l.RescoreLookbackHours[i-1] {
			return fmt.Errorf("learner: rescore_lookback_hours must be strictly increasing")
		}
	}
	if l.RewardRetentionDays <= 0 {
		return fmt.Errorf("learner: reward_retention_days must be positive, got %d", l.RewardRetentionDays)
	}

	if c.Publish.MaxShortsPerDay <= 0 || c.Publish.MaxLongsPerWeek <= 0 {
		return fmt.Errorf("publish: caps must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry: max_attempts must be positive")
	}
	return nil
}

// StrategyFor returns the learner strategy to use for a decision dimension.
func (l LearnerConfig) StrategyFor(dimension string) string {
	if s, ok := l.PerDimension[dimension]; ok {
		return s
	}
	return l.Strategy
}

// GetConfigDir returns the XDG-compliant config directory.
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("QUIZPILOT_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "quizpilot"), nil
}

// GetDataDir returns the platform-specific data directory.
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("QUIZPILOT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Quizpilot"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "quizpilot"), nil
	}

	return filepath.Join(home, ".local", "share", "quizpilot"), nil
}

// Load loads config from the config file, applying defaults for absent fields.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to the config file.
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
