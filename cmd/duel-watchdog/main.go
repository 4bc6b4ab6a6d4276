package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/mkim-dev/quizduel/internal/config"
	"github.com/mkim-dev/quizduel/internal/deck"
	"github.com/mkim-dev/quizduel/internal/lobby"
	"github.com/mkim-dev/quizduel/internal/match"
	"github.com/mkim-dev/quizduel/internal/notify"
	"github.com/mkim-dev/quizduel/internal/obslog"
	"github.com/mkim-dev/quizduel/internal/triviaapi"
	"github.com/mkim-dev/quizduel/internal/watchdog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := appcfg.OpenRedis(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}
	defer rdb.Close()

	lobbyMgr := lobby.NewManager(rdb, cfg.LobbyTTL)
	bus := notify.NewBus(rdb)

	// Deck source: remote trivia API when configured, embedded bank otherwise.
	var prov deck.Provisioner
	if cfg.TriviaAPIURL != "" {
		prov = triviaapi.NewClient(cfg.TriviaAPIURL, triviaapi.WithRetry(3))
		obslog.L().Info("deck_source", zap.String("kind", "trivia_api"), zap.String("url", cfg.TriviaAPIURL))
	} else {
		bank, err := deck.NewBank(cfg.QuestionDir)
		if err != nil {
			log.Fatalf("question bank init error: %v", err)
		}
		prov = bank
		obslog.L().Info("deck_source", zap.String("kind", "embedded_bank"), zap.Int("questions", bank.Size()))
	}

	matchMgr := match.NewManager(rdb, lobbyMgr, prov, bus, cfg.RoundBudget, cfg.RoundBudgetAsync)

	// Durable archive is optional; matches still run without Postgres.
	if cfg.DatabaseURL != "" {
		repo, err := match.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive repo init error: %v", err)
		}
		defer repo.Close()
		matchMgr.AttachRepository(repo)
	}

	wd := watchdog.New(lobbyMgr, matchMgr, cfg.WatchdogBatch)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		wd.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("watchdog_shutdown")
	stop()
	<-done
}
