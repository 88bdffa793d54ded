package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"streamchat/api"
	"streamchat/common"
	"streamchat/emitter"
	"streamchat/llm"
	"streamchat/logger"
	"streamchat/orchestrator"
	"streamchat/search"
	"streamchat/store"
	"streamchat/store/redis"
	"streamchat/store/sqlite"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is fine; env vars may come from the environment.
	godotenv.Load()

	log := logger.Get()

	configPath, err := common.GetConfigPath()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve config path")
	}
	config, err := common.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	storage, err := newStorage(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storage.Close()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	if err := storage.CheckConnection(checkCtx); err != nil {
		cancelCheck()
		log.Fatal().Err(err).Msg("Failed to connect to storage")
	}
	cancelCheck()

	providers, err := llm.NewRegistry(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize provider registry")
	}

	tavily := search.NewTavilyClient(config.Search)
	augmenter := search.NewAugmenter(tavily, config.Search.Tavily.Timeout())
	emitters := emitter.NewRegistry(config.Streaming.IdleTimeout())
	orch := orchestrator.New(providers, emitters, augmenter, storage, config)

	ctrl := api.NewController(storage, providers, emitters, orch, config)
	srv := api.RunServer(ctrl)
	log.Info().Str("addr", srv.Addr).Msg("chatd listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}

func newStorage(config common.Config) (store.Storage, error) {
	switch config.Storage.Backend {
	case "redis":
		return redis.NewStorage(config.Storage.RedisAddress), nil
	default:
		dbPath := config.Storage.SqlitePath
		if dbPath == "" {
			stateHome, err := common.GetChatdStateHome()
			if err != nil {
				return nil, err
			}
			dbPath = filepath.Join(stateHome, "chatd.db")
		}
		return sqlite.NewStorage(dbPath)
	}
}
