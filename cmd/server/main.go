package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bankassistant "github.com/MegaGrindStone/bank-assistant"
	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/handlers"
	"github.com/MegaGrindStone/bank-assistant/internal/metrics"
	"github.com/MegaGrindStone/bank-assistant/internal/services"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/MegaGrindStone/go-mcp"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const errLoggerKey = "err"

// accountStore is what the server needs from the account backend, bolt or postgres.
type accountStore interface {
	services.SeedStore
	handlers.Accounts
}

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "bankassistant")

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path to the config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env: %w", err))
	}

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}
	logger := cfg.Log.logger()

	if err := run(cfg, appDir, logger); err != nil {
		logger.Error("Server failed", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func run(cfg config, appDir string, logger *slog.Logger) error {
	ctx := context.Background()

	llm, err := cfg.LLM.llm(ctx, logger)
	if err != nil {
		return err
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		if err := os.MkdirAll(appDir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
		dbPath = filepath.Join(appDir, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	var accounts accountStore = boltDB
	switch cfg.Store.Driver {
	case "", "bolt":
	case "postgres":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		pg, err := services.NewPostgres(ctx, dsn, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		accounts = pg
	default:
		return fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}

	if !cfg.Seed.Disabled {
		if err := seed(ctx, cfg.Seed, accounts, logger); err != nil {
			return err
		}
	}

	mcpClientInfo := mcp.Info{
		Name:    "bank-assistant",
		Version: "0.1.0",
	}

	mcpClients, stdIOCmds, err := populateMCPClients(cfg, mcpClientInfo)
	if err != nil {
		return err
	}

	var mcpCancels []context.CancelFunc
	for i, cli := range mcpClients {
		logger.Info("Connecting to MCP server", slog.Int("index", i))

		connectCtx, connectCancel := context.WithCancel(context.Background())
		mcpCancels = append(mcpCancels, connectCancel)

		ready := make(chan struct{})
		errs := make(chan error, 1)

		go func() {
			if err := cli.Connect(connectCtx, ready); err != nil {
				errs <- err
			}
		}()

		select {
		case err := <-errs:
			return fmt.Errorf("failed to connect to MCP server %d: %w", i, err)
		case <-ready:
		}

		logger.Info("Connected to MCP server", slog.String("name", cli.ServerInfo().Name))
	}

	categorizer, err := newCategorizer(cfg.Analysis, llm, mcpClients, logger)
	if err != nil {
		return err
	}
	approvals, err := cfg.Approval.options()
	if err != nil {
		return err
	}

	collectors := metrics.New("")

	opts := append(approvals,
		banking.WithCategorizer(categorizer),
		banking.WithObserver(collectors),
		banking.WithLogger(logger),
	)
	dispatcher, err := banking.NewDispatcher(accounts, opts...)
	if err != nil {
		return err
	}

	events := handlers.NewEvents(cfg.DefaultUser, logger)
	broker, err := stepup.NewBroker(stepup.BrokerConfig{
		RPID:          cfg.StepUp.RPID,
		RPDisplayName: cfg.StepUp.RPDisplayName,
		RPOrigins:     cfg.StepUp.Origins,
	}, accounts, boltDB, events, logger)
	if err != nil {
		return err
	}
	gateOpts := []stepup.GateOption{stepup.WithObserver(collectors), stepup.WithLogger(logger)}
	if cfg.StepUp.Timeout > 0 {
		gateOpts = append(gateOpts, stepup.WithTimeout(cfg.StepUp.Timeout))
	}
	gate := stepup.NewGate(dispatcher, broker, gateOpts...)

	tools := banking.Tools()
	logger.Info("Tool schema loaded",
		slog.String("version", banking.SchemaVersion),
		slog.Int("tools", len(tools)))

	var live voice.LiveProvider
	geminiLive, err := cfg.Live.provider(ctx, logger)
	if err != nil {
		return err
	}
	if geminiLive != nil {
		live = geminiLive
	}

	m, err := handlers.NewMain(handlers.Config{
		Events:         events,
		Sessions:       conversation.NewRegistry(llm, tools, logger),
		Dispatcher:     gate,
		Tools:          tools,
		Store:          boltDB,
		Accounts:       accounts,
		TitleGenerator: llm,
		Broker:         broker,
		Live:           live,
		LiveVoice:      cfg.Live.Voice,
		DefaultUser:    cfg.DefaultUser,
		TurnObserver:   collectors,
		VoiceObserver:  collectors,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(bankassistant.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/reset", m.HandleReset)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("GET /stepup/pending", m.HandleStepUpPending)
	mux.HandleFunc("POST /stepup/{id}/verify", m.HandleStepUpVerify)
	mux.HandleFunc("POST /stepup/{id}/decline", m.HandleStepUpDecline)
	mux.HandleFunc("POST /webauthn/register/begin", m.HandleRegisterBegin)
	mux.HandleFunc("POST /webauthn/register/finish", m.HandleRegisterFinish)
	mux.HandleFunc("/voice", m.HandleVoice)
	mux.Handle("/metrics", collectors.Handler())

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		for _, cancel := range mcpCancels {
			cancel()
		}
		for _, stdIOCmd := range stdIOCmds {
			if err := stdIOCmd.Wait(); err != nil {
				logger.Warn("Failed to wait for stdIO command", slog.String(errLoggerKey, err.Error()))
			}
		}

		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Warn("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
}

func seed(ctx context.Context, cfg seedConfig, store services.SeedStore, logger *slog.Logger) error {
	var data services.Seed
	var err error
	if cfg.Path == "" {
		data, err = services.DecodeSeed(nil)
	} else {
		f, openErr := os.Open(cfg.Path)
		if openErr != nil {
			return fmt.Errorf("error opening seed file: %w", openErr)
		}
		defer f.Close()
		data, err = services.DecodeSeed(f)
	}
	if err != nil {
		return err
	}

	loaded, err := services.LoadSeed(ctx, store, data, time.Now(), logger)
	if err != nil {
		return err
	}
	if loaded {
		logger.Info("Seed data loaded", slog.Int("users", len(data.Users)))
	}
	return nil
}

func newCategorizer(cfg analysisConfig, llm chatLLM, clients []*mcp.Client, logger *slog.Logger,
) (banking.Categorizer, error) {
	switch cfg.Categorizer {
	case "", "keyword":
		return banking.KeywordCategorizer{}, nil
	case "llm":
		return services.NewLLMCategorizer(llm, cfg.Timeout, logger), nil
	case "mcp":
		if len(clients) == 0 {
			return nil, errors.New("the mcp categorizer needs an MCP server")
		}
		return services.NewMCPCategorizer(clients[0], cfg.MCPTool, logger), nil
	default:
		return nil, fmt.Errorf("unknown categorizer: %s", cfg.Categorizer)
	}
}

func populateMCPClients(cfg config, mcpClientInfo mcp.Info) ([]*mcp.Client, []*exec.Cmd, error) {
	var mcpClients []*mcp.Client

	for _, mcpSSEServerConfig := range cfg.MCPSSEServers {
		sseClient := mcp.NewSSEClient(mcpSSEServerConfig.URL, nil)
		cli := mcp.NewClient(mcpClientInfo, sseClient)
		mcpClients = append(mcpClients, cli)
	}

	var stdIOCmds []*exec.Cmd
	for _, mcpStdIOServerConfig := range cfg.MCPStdIOServers {
		cmd := exec.Command(mcpStdIOServerConfig.Command, mcpStdIOServerConfig.Args...)
		stdIOCmds = append(stdIOCmds, cmd)

		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start %s: %w", mcpStdIOServerConfig.Command, err)
		}

		cliStdIO := mcp.NewStdIO(out, in)

		cli := mcp.NewClient(mcpClientInfo, cliStdIO)
		mcpClients = append(mcpClients, cli)
	}

	return mcpClients, stdIOCmds, nil
}
