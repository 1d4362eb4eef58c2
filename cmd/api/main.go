package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/luoxiaohei/rolechat/internal/config"
	"github.com/luoxiaohei/rolechat/internal/handler"
	"github.com/luoxiaohei/rolechat/internal/model/persona"
	"github.com/luoxiaohei/rolechat/internal/service/filter"
	"github.com/luoxiaohei/rolechat/internal/service/llm"
	"github.com/luoxiaohei/rolechat/internal/service/memory"
	"github.com/luoxiaohei/rolechat/internal/service/rag"
	"github.com/luoxiaohei/rolechat/internal/service/selector"
	sessionService "github.com/luoxiaohei/rolechat/internal/service/session"
	"github.com/luoxiaohei/rolechat/internal/service/turn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	personaStore := persona.NewMemoryStore(persona.Seed())

	// Hot store: Redis when configured, in-process fallback otherwise.
	var hotStore memory.HotStore
	if cfg.Redis.Enabled() {
		redisStore, err := memory.NewRedisStore(cfg.Redis)
		if err != nil {
			log.Printf("warning: redis unavailable, falling back to in-memory hot store: %v", err)
			hotStore = memory.NewInMemStore()
		} else {
			log.Printf("redis hot store connected: %s", cfg.Redis.Addr)
			hotStore = redisStore
		}
	} else {
		log.Println("REDIS_ADDR 未配置，使用进程内热端存储")
		hotStore = memory.NewInMemStore()
	}

	// Cold store: Postgres archive when configured.
	var coldStore memory.ColdStore
	if cfg.Postgres.Enabled() {
		archive, err := memory.NewPgArchive(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Printf("warning: postgres archive unavailable: %v", err)
		} else {
			log.Println("postgres archive connected")
			coldStore = archive
		}
	} else {
		log.Println("POSTGRES_DSN 未配置，跳过冷端归档")
	}

	memoryService := memory.NewService(hotStore, coldStore, memory.Options{
		HotTTL:       cfg.Memory.HotTTL,
		ContextLimit: cfg.Memory.ContextLimit,
	})
	defer memoryService.Close()

	sessions := sessionService.NewService(personaStore, memoryService)
	retriever := rag.NewRetriever(cfg.RAG)

	backend, err := llm.NewBackend(ctx, cfg.LLM, turn.Specs())
	if err != nil {
		log.Printf("warning: failed to initialize llm backend: %v", err)
		log.Println("continuing without chat functionality - 请检查模型相关环境变量")
		backend = nil
	} else {
		caps := backend.Capabilities()
		log.Printf("llm backend initialized: backend=%s model=%s emission=%s functions=%v",
			cfg.LLM.Backend, caps.Model, caps.Emission, caps.SupportsFunctions)
	}

	var selectorOpts []selector.Option
	var filterOpts []filter.Option
	if backend != nil {
		selectorOpts = append(selectorOpts, selector.WithLLM(backend))
		filterOpts = append(filterOpts, filter.WithLLM(backend))
	}
	sel := selector.NewService(personaStore, selectorOpts...)
	contentFilter := filter.NewService(filterOpts...)

	var orchestrator *turn.Orchestrator
	if backend != nil {
		var knowledge turn.KnowledgeSource
		if retriever != nil {
			knowledge = retriever
			log.Printf("rag retriever enabled: %s", cfg.RAG.BaseURL)
		} else {
			log.Println("RAG_BASE_URL 未配置，跳过知识检索")
		}
		orchestrator = turn.NewOrchestrator(sessions, sel, contentFilter,
			memoryService, backend, knowledge, cfg.Memory.ContextLimit)
	}

	router := handler.NewRouter(personaStore, sessions, sel, orchestrator, memoryService)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("rolechat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
