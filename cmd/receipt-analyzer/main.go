package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/receipt-analyzer/internal/ocr"
	"github.com/zombor/receipt-analyzer/internal/receipt"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// a .env file is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("receipt-analyzer")
	var (
		port        = fs.IntLong("port", 8000, "HTTP server port")
		storeType   = fs.StringLong("store", "bolt", "Receipt store: 'bolt' or 'sqlite'")
		dbPath      = fs.StringLong("db", "receipts.db", "Database file path")
		storagePath = fs.StringLong("storage", "./uploads", "Storage directory for uploaded files")
		ocrType     = fs.StringLong("ocr", "tesseract", "OCR engine: 'tesseract', 'gemini' or 'ollama'")
		ocrLang     = fs.StringLong("ocr-lang", "eng", "OCR language hint")
		tesseract   = fs.StringLong("tesseract", "tesseract", "Path to the tesseract binary")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		maxPageSize = fs.IntLong("max-page-size", 100, "Largest page size a client may request")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat   = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_ANALYZER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := configureLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.Info("Initializing database...", "store", *storeType, "path", *dbPath)
	db, err := openStore(*storeType, *dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	recognizer, err := newRecognizer(*ocrType, *tesseract, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize OCR", "error", err)
		os.Exit(1)
	}
	defer recognizer.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	receiptService := receipt.NewService(db, ocr.WithPlainText(recognizer), store, *ocrLang)

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, *maxPageSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}

func configureLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func openStore(storeType, path string) (receipt.DB, error) {
	switch storeType {
	case "bolt":
		return receipt.NewBoltDB(path)
	case "sqlite":
		return receipt.NewSQLiteDB(path)
	}
	return nil, fmt.Errorf("invalid store type %q, expected bolt or sqlite", storeType)
}

func newRecognizer(ocrType, tesseractPath, geminiKey, geminiModel, ollamaURL, ollamaModel string) (ocr.Recognizer, error) {
	switch ocrType {
	case "tesseract":
		slog.Info("Initializing Tesseract...", "binary", tesseractPath)
		return ocr.NewTesseract(tesseractPath), nil
	case "gemini":
		if geminiKey == "" {
			geminiKey = os.Getenv("GEMINI_API_KEY")
		}
		if geminiKey == "" {
			return nil, errors.New("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini...", "model", geminiModel)
		return ocr.NewGemini(geminiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama...", "url", ollamaURL, "model", ollamaModel)
		return ocr.NewOllama(ollamaURL, ollamaModel)
	}
	return nil, fmt.Errorf("invalid OCR type %q, expected tesseract, gemini or ollama", ocrType)
}
