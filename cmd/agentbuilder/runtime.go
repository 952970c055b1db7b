package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"agent_builder/internal/chat"
	"agent_builder/internal/completion"
	"agent_builder/internal/config"
	"agent_builder/internal/domain"
	"agent_builder/internal/executor"
	"agent_builder/internal/httpapi"
	"agent_builder/internal/logging"
	"agent_builder/internal/messaging/inproc"
	sqlitestore "agent_builder/internal/store/sqlite"
	supastore "agent_builder/internal/store/supabase"
)

// backend is what every store driver provides.
type backend interface {
	httpapi.AgentStore
	chat.TranscriptStore
}

type runtime struct {
	cfg       config.Config
	logger    *zap.Logger
	store     backend
	remote    *supastore.Store
	completer completion.Completer
	runner    *executor.Runner
	hub       *inproc.Hub
	chat      *chat.Service
	closers   []func() error
}

// openRuntime builds the store, completer, runner and chat service the
// subcommands share. Terminal UIs pass a log file so output stays off screen.
func openRuntime(ctx context.Context, cfg config.Config, logFile string) (*runtime, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if logFile != "" {
		logger, err = logging.ToFile(cfg, logFile)
	} else {
		logger, err = logging.New(cfg)
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func() error { _ = logger.Sync(); return nil })

	switch cfg.Store.Driver {
	case config.StoreSupabase:
		store, _, err := supastore.Connect(cfg.Supabase.URL, cfg.Supabase.Key, logger)
		if err != nil {
			return nil, err
		}
		rt.store, rt.remote = store, store
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		store, err := sqlitestore.Open(cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		rt.store = store
	}

	rt.completer, err = buildCompleter(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.runner = executor.New(rt.completer, executor.Config{DefaultModel: cfg.Completion.Model}, logger)
	rt.hub = inproc.New(256)
	rt.chat = chat.NewService(rt.store, rt.store, rt.completer, rt.hub, chat.Config{
		DefaultSystemPrompt: cfg.Chat.DefaultSystemPrompt,
		MemoryWindow:        cfg.Chat.MemoryWindow,
		Model:               cfg.Completion.Model,
	}, logger)

	logger.Info("runtime ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("completion", cfg.Completion.Provider),
		zap.String("model", cfg.Completion.Model),
	)
	return rt, nil
}

// buildCompleter picks the completion provider. Remote providers sit behind a
// circuit breaker.
func buildCompleter(cfg config.Config, logger *zap.Logger) (completion.Completer, error) {
	cc := cfg.Completion
	switch cc.Provider {
	case config.ProviderResponses:
		rc, err := completion.NewResponsesClient(completion.ResponsesConfig{
			Endpoint:        cc.Endpoint,
			Model:           cc.Model,
			ReasoningEffort: cc.ReasoningEffort,
			AuthToken:       cc.AuthToken,
			Timeout:         cc.Timeout(),
			Retries:         cc.Retries,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return completion.NewBreaker(rc, completion.DefaultBreakerConfig("responses"), logger), nil
	case config.ProviderSupabaseFunction:
		edge, err := completion.NewEdgeFunctions(cfg.Supabase.URL, cfg.Supabase.Key, &http.Client{Timeout: cc.Timeout()})
		if err != nil {
			return nil, err
		}
		fc, err := completion.NewFunctionClient(edge, completion.FunctionConfig{
			Function: cc.FunctionName,
			Model:    cc.Model,
			APIKey:   cc.AuthToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return completion.NewBreaker(fc, completion.DefaultBreakerConfig("supabase-function"), logger), nil
	default:
		return completion.Static{}, nil
	}
}

// watchRemote mirrors messages written by other clients into the local hub.
// It is a no-op for the sqlite driver.
func (rt *runtime) watchRemote(ctx context.Context, conversationID string) {
	if rt.remote == nil {
		return
	}
	go func() {
		err := rt.remote.Watch(ctx, conversationID, rt.cfg.Supabase.PollInterval(), func(m domain.ChatMessage) {
			_ = rt.hub.Publish(m)
		})
		if err != nil {
			rt.logger.Warn("remote watch stopped", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
	rt.closers = nil
}
