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

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/kbt-scanner/internal/ledger"
	"github.com/zombor/kbt-scanner/internal/scan"
	"github.com/zombor/kbt-scanner/internal/scanning"
	"github.com/zombor/kbt-scanner/internal/sheets"
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

	fs := ff.NewFlagSet("kbt-scanner")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "kbt-scanner.db", "Database file path")
		maxStateBytes   = fs.IntLong("max-state-bytes", ledger.DefaultMaxStateBytes, "Largest stored state in bytes (0 disables the limit)")
		transferPrefix  = fs.StringLong("transfer-prefix", scan.DefaultExtractionRule().Prefix, "Text preceding the transfer number")
		transferDigits  = fs.IntLong("transfer-digits", scan.DefaultExtractionRule().Digits, "Number of digits in a transfer number")
		requireTrailing = fs.BoolLong("require-trailing-group", "Require a digit group after the terminator")
		genericPrefix   = fs.StringLong("generic-prefix", "", "Only accept generic scans starting with this text (optional)")
		scannerType     = fs.StringLong("scanner", "none", "Photo reader: 'none', 'gemini' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		sheetsID        = fs.StringLong("sheets-id", "", "Google spreadsheet id for transfer sync (optional)")
		sheetsKey       = fs.StringLong("sheets-key", "", "Google API key for the spreadsheet")
		sheetsCreds     = fs.StringLong("sheets-credentials", "", "Service account credentials file for the spreadsheet")
		sheetsRange     = fs.StringLong("sheets-range", sheets.DefaultRange, "Column range scanned for the next free row")
		exportDir       = fs.StringLong("export-dir", "./exports", "Directory for automatic CSV exports")
		autoExportEvery = fs.IntLong("auto-export-every", 0, "Write a CSV export every N transfers (0 disables)")
		readStdin       = fs.BoolLong("stdin", "Read scanned codes from stdin, one per line (handheld scanners)")
		stdinMode       = fs.StringLong("stdin-mode", "transfer", "Mode for codes read from stdin: 'transfer' or 'generic'")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("KBT_SCANNER"),
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

	rule := scan.ExtractionRule{
		Prefix:               *transferPrefix,
		Digits:               *transferDigits,
		Terminator:           scan.DefaultExtractionRule().Terminator,
		RequireTrailingGroup: *requireTrailing,
	}
	pipeline, err := scan.NewPipeline(rule, scan.GenericRule{RequiredPrefix: *genericPrefix})
	if err != nil {
		slog.Error("Invalid transfer rule", "error", err)
		os.Exit(1)
	}

	listenMode, err := scan.ParseMode(*stdinMode)
	if err != nil {
		slog.Error("Invalid stdin mode", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := ledger.NewBoltDB(*dbPath, *maxStateBytes)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMigrator(pipeline.Migrator())

	// Refuse to start on a state that cannot be read rather than overwrite it
	state, found, err := db.LoadState()
	if err != nil {
		slog.Error("Failed to load stored scans", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded stored scans", "first_run", !found, "transfers", len(state.Transfers), "generic_scans", len(state.GenericScans))

	scanner, err := newScanner(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		slog.Error("Failed to initialize photo reader", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	if scanner != nil {
		defer scanner.Close()
	}

	var sheet ledger.Sheet
	if *sheetsID != "" {
		slog.Info("Initializing spreadsheet sync...", "range", *sheetsRange)
		client, err := sheets.New(context.Background(), sheets.Config{
			SpreadsheetID:   *sheetsID,
			Range:           *sheetsRange,
			APIKey:          *sheetsKey,
			CredentialsFile: *sheetsCreds,
		})
		if err != nil {
			slog.Error("Failed to initialize spreadsheet sync", "error", err)
			os.Exit(1)
		}
		sheet = client
	}

	var archive ledger.Storage
	if *autoExportEvery > 0 {
		slog.Info("Initializing export archive...", "dir", *exportDir, "every", *autoExportEvery)
		store, err := ledger.NewLocalStorage(*exportDir)
		if err != nil {
			slog.Error("Failed to initialize export archive", "error", err)
			os.Exit(1)
		}
		archive = store
	}

	service := ledger.NewService(db, pipeline, scanner, sheet, archive)
	service.EnableAutoExport(*autoExportEvery)

	var source *scanning.LineSource
	if *readStdin {
		source = scanning.NewLineSource(os.Stdin)
		if err := service.Listen(source, listenMode); err != nil {
			slog.Error("Failed to start stdin scanner", "error", err)
			os.Exit(1)
		}
		slog.Info("Reading scans from stdin", "mode", listenMode)
		defer source.Stop()
	}

	basicAuth := ledger.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := ledger.NewServer(service, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"photo_reader", service.ScannerEnabled(),
		"sheet_sync", service.SyncEnabled(),
	)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// newScanner returns a nil Scanner when photo reading is disabled
func newScanner(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Scanner, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini photo reader...", "model", geminiModel)
		return scanning.NewGemini(apiKey, geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama photo reader...", "url", ollamaURL, "model", ollamaModel)
		return scanning.NewOllama(ollamaURL, ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q: want none, gemini or ollama", kind)
	}
}
