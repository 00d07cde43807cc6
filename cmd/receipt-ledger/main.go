package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/api"
	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/workflow"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "receipt-ledger.db", "Database file path")
		storageBackend = fs.StringLong("storage", "local", "Image storage backend: 'local' or 's3'")
		storagePath    = fs.StringLong("storage-path", "./receipts", "Local storage directory path")
		s3Bucket       = fs.StringLong("s3-bucket", "", "S3 bucket for image storage")
		s3Region       = fs.StringLong("s3-region", "us-east-1", "S3 bucket region")
		s3Prefix       = fs.StringLong("s3-prefix", "receipts", "S3 key prefix")
		scannerType    = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		maxBatch       = fs.IntLong("max-batch", 50, "Maximum images per submission batch")
		maxRetries     = fs.IntLong("max-retries", 3, "Transient step error retries before a job fails")
		backoff        = fs.DurationLong("retry-backoff", time.Second, "Base backoff between step retries")
		signupBonus    = fs.IntLong("signup-bonus", 10, "Credits granted to a new account")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	slog.Info("Initializing database...")
	bolt, err := receipt.Open(*dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer bolt.Close()

	db, err := receipt.NewBoltDB(bolt)
	if err != nil {
		slog.Error("Failed to initialize receipt store", "error", err)
		os.Exit(1)
	}

	ledg, err := ledger.NewBoltLedger(bolt)
	if err != nil {
		slog.Error("Failed to initialize credit ledger", "error", err)
		os.Exit(1)
	}

	var store receipt.Storage
	switch *storageBackend {
	case "local":
		slog.Info("Initializing local storage...", "path", *storagePath)
		store, err = receipt.NewLocalStorage(*storagePath)
	case "s3":
		slog.Info("Initializing S3 storage...", "bucket", *s3Bucket, "region", *s3Region)
		store, err = receipt.NewS3Storage(ctx, *s3Bucket, *s3Region, *s3Prefix)
	default:
		slog.Error("Invalid storage backend", "backend", *storageBackend, "valid", "local or s3")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize scanner", "error", err)
		os.Exit(1)
	}
	defer scanner.Close()

	hub := notify.NewHub()

	runner, err := workflow.NewRunner(bolt, db, store, scanner, ledg, hub, uint64(*maxRetries), *backoff)
	if err != nil {
		slog.Error("Failed to initialize workflow runner", "error", err)
		os.Exit(1)
	}
	if err := runner.Resume(ctx); err != nil {
		slog.Error("Failed to resume unfinished jobs", "error", err)
		os.Exit(1)
	}

	gateway := workflow.NewGateway(db, store, ledg, runner, hub, *maxBatch)

	basicAuth := api.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := api.NewServer(db, store, ledg, gateway, hub, basicAuth, *signupBonus)

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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
