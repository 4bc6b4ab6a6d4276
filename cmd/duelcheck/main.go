package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"

	appcfg "github.com/mkim-dev/quizduel/internal/config"
	"github.com/mkim-dev/quizduel/internal/notify"
	"github.com/mkim-dev/quizduel/internal/triviaapi"
)

// duelcheck probes every external dependency the coordinator can be wired to
// and reports per-target status. Only Redis is mandatory.
func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := appcfg.OpenRedis(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Fatalf("redis: FAIL: %v", err)
	}
	log.Println("redis: ok")
	defer rdb.Close()

	if cfg.DatabaseURL == "" {
		log.Println("postgres: skipped (DATABASE_URL not set)")
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Printf("postgres: FAIL: %v", err)
		} else {
			pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := db.PingContext(pctx); err != nil {
				log.Printf("postgres: FAIL: %v", err)
			} else {
				log.Println("postgres: ok")
			}
			pcancel()
			_ = db.Close()
		}
	}

	if cfg.TriviaAPIURL == "" {
		log.Println("trivia api: skipped (TRIVIA_API_URL not set)")
	} else {
		client := triviaapi.NewClient(cfg.TriviaAPIURL, triviaapi.WithTimeout(8*time.Second))
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Health(tctx); err != nil {
			log.Printf("trivia api: FAIL: %v", err)
		} else {
			log.Println("trivia api: ok")
		}
		tcancel()
	}

	if cfg.PushWSURL == "" {
		log.Println("push feed: skipped (PUSH_WS_URL not set)")
		return
	}
	feed := notify.NewFeed(cfg.PushWSURL, 1)
	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	if err := feed.Connect(wctx); err != nil {
		log.Printf("push feed: FAIL: %v", err)
		return
	}
	log.Println("push feed: ok (observing for 5s)")

	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case ev := <-feed.Events():
			log.Printf("push feed event: type=%s match=%s", ev.Type, ev.MatchID)
		case <-t.C:
			_ = feed.Close(context.Background())
			return
		}
	}
}
