package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/expense-tracker/internal/expense"
	"github.com/zombor/expense-tracker/internal/logging"
	"github.com/zombor/expense-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("expense-tracker")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		storeType   = fs.StringLong("store", "bolt", "Store type: 'bolt' or 'sqlite'")
		dbPath      = fs.StringLong("db", "expense-tracker.db", "Database file path")
		scannerType = fs.StringLong("scanner", "openai", "Scanner type: 'openai', 'gemini' or 'ollama'")
		openAIKey   = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openAIModel = fs.StringLong("openai-model", "gpt-4o", "OpenAI vision model name")
		openAIURL   = fs.StringLong("openai-url", "", "OpenAI-compatible API base URL (optional)")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		maxTokens   = fs.IntLong("max-tokens", scanning.DefaultMaxTokens, "Maximum tokens in the model's answer")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logColor    = fs.BoolLong("log-color", "Colorize log output")
		sessionTTL  = fs.DurationLong("session-ttl", expense.DefaultSessionTTL, "Idle time before a browser session is forgotten")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EXPENSE_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logging.Setup(*logLevel, *logColor)

	// Initialize database
	slog.Info("Initializing database...", "store", *storeType, "path", *dbPath)
	var (
		db  expense.DB
		err error
	)
	switch *storeType {
	case "bolt":
		db, err = expense.NewBoltDB(*dbPath)
	case "sqlite":
		db, err = expense.NewSQLiteDB(*dbPath)
	default:
		slog.Error("Invalid store type", "type", *storeType, "valid", "bolt or sqlite")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize analyzer based on type
	var analyzer scanning.Analyzer
	switch *scannerType {
	case "openai":
		apiKey := *openAIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("OpenAI API key is required. Set --openai-key flag or OPENAI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing OpenAI analyzer...", "model", *openAIModel)
		analyzer, err = scanning.NewOpenAI(apiKey, *openAIModel, *openAIURL, *maxTokens)
		if err != nil {
			slog.Error("Failed to initialize OpenAI", "error", err)
			os.Exit(1)
		}
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini analyzer...", "model", *geminiModel)
		analyzer, err = scanning.NewGemini(apiKey, *geminiModel, *maxTokens)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama analyzer...", "url", *ollamaURL, "model", *ollamaModel)
		analyzer, err = scanning.NewOllama(*ollamaURL, *ollamaModel, *maxTokens)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "openai, gemini or ollama")
		os.Exit(1)
	}
	defer analyzer.Close()

	service := expense.NewService(db, analyzer)

	basicAuth := expense.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := expense.NewServer(service, expense.NewSessions(*sessionTTL), basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
