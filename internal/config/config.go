package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig carries every externally configurable knob of the duel
// coordinator. Timeouts are configuration, not protocol constants.
type AppConfig struct {
	RedisURL    string
	DatabaseURL string

	// PushWSURL, when set, enables the websocket push-gateway feed as an
	// additional best-effort notification transport.
	PushWSURL string

	// LobbyTTL bounds how long a pending match request stays open.
	LobbyTTL time.Duration
	// RoundBudget is the per-question answer budget for interactive play.
	RoundBudget time.Duration
	// RoundBudgetAsync is the per-question budget for 24-hour challenge play.
	RoundBudgetAsync time.Duration

	// QuestionDir optionally overrides the embedded question catalog.
	QuestionDir string
	// TriviaAPIURL optionally selects the remote question source instead of
	// the local bank.
	TriviaAPIURL string

	// WatchdogBatch bounds how many due entities one sweep claims.
	WatchdogBatch int
}

const (
	defaultLobbyTTL         = 5 * time.Minute
	maxLobbyTTL             = 24 * time.Hour
	defaultRoundBudget      = 15 * time.Second
	defaultRoundBudgetAsync = 2 * time.Hour
	defaultWatchdogBatch    = 64
)

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		LobbyTTL:         defaultLobbyTTL,
		RoundBudget:      defaultRoundBudget,
		RoundBudgetAsync: defaultRoundBudgetAsync,
		WatchdogBatch:    defaultWatchdogBatch,
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.PushWSURL = strings.TrimSpace(os.Getenv("PUSH_WS_URL"))
	cfg.QuestionDir = strings.TrimSpace(os.Getenv("QUESTION_DIR"))
	cfg.TriviaAPIURL = strings.TrimSpace(os.Getenv("TRIVIA_API_URL"))

	if v := strings.TrimSpace(os.Getenv("LOBBY_TTL")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, errors.New("LOBBY_TTL must be a duration or seconds")
		}
		if d > 0 {
			cfg.LobbyTTL = d
		}
	}
	if cfg.LobbyTTL > maxLobbyTTL {
		cfg.LobbyTTL = maxLobbyTTL
	}
	if v := strings.TrimSpace(os.Getenv("ROUND_BUDGET")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, errors.New("ROUND_BUDGET must be a duration or seconds")
		}
		if d > 0 {
			cfg.RoundBudget = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("ROUND_BUDGET_ASYNC")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, errors.New("ROUND_BUDGET_ASYNC must be a duration or seconds")
		}
		if d > 0 {
			cfg.RoundBudgetAsync = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("WATCHDOG_BATCH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WatchdogBatch = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

// parseDuration accepts either a Go duration string ("90s", "2h") or a bare
// integer number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
