// Command colloquy runs a bot definition as an interactive terminal chat.
//
// Configuration comes from colloquy.toml (or COLLOQUY_CONFIG) with
// COLLOQUY_* env overrides; the bot itself is a YAML file named by the
// config or the first positional argument.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colloquy-ai/colloquy"
	"github.com/colloquy-ai/colloquy/code"
	"github.com/colloquy-ai/colloquy/ingest"
	"github.com/colloquy-ai/colloquy/internal/config"
	"github.com/colloquy-ai/colloquy/observer"
	"github.com/colloquy-ai/colloquy/provider/openaicompat"
	"github.com/colloquy-ai/colloquy/store/postgres"
	"github.com/colloquy-ai/colloquy/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("COLLOQUY_CONFIG"))
	if len(os.Args) > 1 {
		cfg.Bot.Definition = os.Args[1]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if os.Getenv("COLLOQUY_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, cfg.Bot.Name, cfg.Observer.Endpoint)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// 3. Providers: chat behind retry and rate limiting, plus embeddings
	var chat colloquy.Provider = openaicompat.NewProvider(
		cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithOptions(openaicompat.WithTemperature(cfg.LLM.Temperature)),
	)
	if inst != nil {
		chat = observer.WrapProvider(chat, inst)
	}
	chat = colloquy.WithRetry(chat,
		colloquy.RetryMaxAttempts(cfg.LLM.Retries),
		colloquy.RetryLogger(logger),
	)
	if cfg.LLM.RPM > 0 {
		chat = colloquy.WithRateLimit(chat, colloquy.RPM(cfg.LLM.RPM))
	}

	var embedding colloquy.EmbeddingProvider = openaicompat.NewEmbedding(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL,
		openaicompat.WithDimensions(cfg.Embedding.Dimensions),
	)
	if inst != nil {
		embedding = observer.WrapEmbedding(embedding, inst)
	}
	embedding = colloquy.WithEmbeddingRetry(embedding, colloquy.RetryLogger(logger))

	// 4. Session and vector stores
	var trackerStore colloquy.TrackerStore
	var vectorStore colloquy.VectorStore
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := sqlite.New(cfg.Store.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		defer st.Close()
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		trackerStore, vectorStore = st, st
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		st := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		trackerStore, vectorStore = st, st
	default:
		trackerStore = colloquy.NewMemoryTrackerStore()
		vectorStore = colloquy.NewMemoryVectorStore()
	}

	// 5. Parse the bot definition and index its knowledge sources
	data, err := os.ReadFile(cfg.Bot.Definition)
	if err != nil {
		log.Fatalf("read bot definition: %v", err)
	}
	def, err := colloquy.ParseBotDefinition(data)
	if err != nil {
		log.Fatalf("parse bot definition: %v", err)
	}

	retriever := colloquy.NewRetriever(embedding, vectorStore,
		colloquy.WithTopK(cfg.Knowledge.TopK),
		colloquy.WithScoreThreshold(cfg.Knowledge.Threshold),
	)
	ingestor := ingest.NewIngestor(
		ingest.WithLogger(logger),
		ingest.WithChunker(ingest.NewChunker(
			ingest.WithChunkSize(cfg.Knowledge.ChunkSize),
			ingest.WithOverlap(cfg.Knowledge.Overlap),
		)),
	)
	if docs := ingestor.Collect(ctx, def); len(docs) > 0 {
		if err := retriever.Index(ctx, docs); err != nil {
			log.Fatalf("index knowledge: %v", err)
		}
		fmt.Fprintf(os.Stderr, "indexed %d knowledge documents\n", len(docs))
	}

	// 6. Tool executor
	var tools colloquy.ToolExecutor = colloquy.NewRegistry()
	if cfg.Tools.Script != "" {
		tools = code.NewScriptExecutor(cfg.Tools.Script,
			code.WithTimeout(time.Duration(cfg.Tools.Timeout)*time.Second),
			code.WithAllow(cfg.Tools.Allow...),
		)
	}
	if inst != nil {
		tools = observer.WrapTools(tools, inst)
	}

	// 7. Assemble and chat
	bot, err := colloquy.NewBot(cfg.Bot.Name, def, chat,
		colloquy.WithLogger(logger),
		colloquy.WithTrackerStore(trackerStore),
		colloquy.WithToolExecutor(tools),
		colloquy.WithRetriever(retriever),
	)
	if err != nil {
		log.Fatalf("assemble bot: %v", err)
	}

	if err := repl(ctx, bot); err != nil {
		log.Fatal(err)
	}
}

const replSender = "terminal"

func repl(ctx context.Context, bot *colloquy.Bot) error {
	fmt.Printf("%s ready. Type a message, or /quit to leave.\n", bot.Name())

	// Greeting turn: lets a bot whose first step is an utterance speak
	// before the user does.
	if responses, err := bot.HandleMessage(ctx, replSender, colloquy.InitMessage); err == nil {
		for _, r := range responses {
			fmt.Printf("bot> %s\n", r)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		responses, err := bot.HandleMessage(ctx, replSender, line)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		for _, r := range responses {
			fmt.Printf("bot> %s\n", r)
		}
	}
	return scanner.Err()
}
