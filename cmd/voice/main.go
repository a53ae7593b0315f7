// Package main is the terminal voice client: it talks to the banking assistant through the local microphone and
// speaker and confirms sensitive actions with a PIN typed on the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/banking"
	"github.com/MegaGrindStone/bank-assistant/internal/conversation"
	"github.com/MegaGrindStone/bank-assistant/internal/i18n"
	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/services"
	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
	"github.com/MegaGrindStone/bank-assistant/internal/voice"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configPath string
	userID     string
	lang       string
	logLevel   string
)

// rootCmd runs a voice session by default.
var rootCmd = &cobra.Command{
	Use:   "bank-voice",
	Short: "Talk to the banking assistant",
	Long: `Starts a realtime voice session with the banking assistant on the default microphone and speaker.
Payments, transfers and applications are confirmed with the PIN configured in stepup.pinHash.
Press Ctrl+C to end the session.`,
	RunE: runVoice,
}

// hashPINCmd prints the bcrypt hash of a PIN read from stdin.
var hashPINCmd = &cobra.Command{
	Use:   "hash-pin",
	Short: "Hash a PIN for stepup.pinHash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprint(cmd.OutOrStdout(), "PIN: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read PIN: %w", err)
		}
		hash, err := stepup.HashPIN(strings.TrimSpace(line))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

// voiceConfig is the part of the server's config file the terminal client reads.
type voiceConfig struct {
	DefaultUser string `yaml:"defaultUser"`
	Live        struct {
		Model  string `yaml:"model"`
		Voice  string `yaml:"voice"`
		APIKey string `yaml:"apiKey"`
	} `yaml:"live"`
	Store struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	StepUp struct {
		PINHash string        `yaml:"pinHash"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"stepup"`
	Approval struct {
		RejectRate float64 `yaml:"rejectRate"`
	} `yaml:"approval"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultConfig := "config.yaml"
	if dir, err := os.UserConfigDir(); err == nil {
		defaultConfig = filepath.Join(dir, "bankassistant", "config.yaml")
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the config file")
	rootCmd.Flags().StringVar(&userID, "user", "", "account holder to act as [default: defaultUser from config]")
	rootCmd.Flags().StringVar(&lang, "lang", "", "response language (en|es|fr|de|pt) [default: from $LANG]")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	rootCmd.AddCommand(hashPINCmd)
}

func loadVoiceConfig(path string) (voiceConfig, error) {
	var cfg voiceConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding config file: %w", err)
	}
	if cfg.Live.Model == "" {
		return cfg, errors.New("live.model is required for voice mode")
	}
	return cfg, nil
}

func openAccounts(ctx context.Context, cfg voiceConfig, logger *slog.Logger) (ledger.Store, func(), error) {
	switch cfg.Store.Driver {
	case "", "bolt":
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(filepath.Dir(configPath), "store.db")
		}
		db, err := services.NewBoltDB(path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case "postgres":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		pg, err := services.NewPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

func runVoice(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadVoiceConfig(configPath)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = cfg.DefaultUser
	}
	if userID == "" {
		return errors.New("no user: pass --user or set defaultUser")
	}
	if lang == "" {
		// LANG looks like es_ES.UTF-8.
		locale, _, _ := strings.Cut(os.Getenv("LANG"), ".")
		lang = i18n.Match(strings.ReplaceAll(locale, "_", "-"))
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	accounts, closeAccounts, err := openAccounts(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAccounts()

	profile, err := loadProfile(ctx, accounts, userID, lang)
	if err != nil {
		return err
	}

	policy := banking.RandomPolicy{RejectRate: cfg.Approval.RejectRate}
	dispatcher, err := banking.NewDispatcher(accounts,
		banking.WithApprovalPolicy(policy),
		banking.WithExtensionPolicy(policy),
		banking.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	pin := stepup.PINAuthenticator{
		Hash:   []byte(cfg.StepUp.PINHash),
		Prompt: stepup.LinePrompt(cmd.InOrStdin(), out),
	}
	if len(pin.Hash) == 0 {
		logger.Warn("No stepup.pinHash configured, sensitive actions will be cancelled")
	}
	gateOpts := []stepup.GateOption{stepup.WithLogger(logger)}
	if cfg.StepUp.Timeout > 0 {
		gateOpts = append(gateOpts, stepup.WithTimeout(cfg.StepUp.Timeout))
	}
	gate := stepup.NewGate(dispatcher, pin, gateOpts...)

	apiKey := cfg.Live.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	gemini, err := services.NewGemini(ctx, apiKey, cfg.Live.Model, services.LLMParameters{}, logger)
	if err != nil {
		return err
	}

	audio, err := newDeviceAudio()
	if err != nil {
		return err
	}
	defer audio.Close()

	sink := newTerminalSink(out)
	bridge, err := voice.NewBridge(voice.Config{
		UserID:   userID,
		Language: profile.Language,
		Live: voice.LiveConfig{
			SystemInstruction: conversation.SystemInstruction(profile),
			Tools:             banking.Tools(),
			Language:          profile.Language,
			Voice:             cfg.Live.Voice,
		},
		Provider:   services.NewGeminiLive(gemini.Client(), cfg.Live.Model, cfg.Live.Voice, logger),
		Audio:      audio,
		Dispatcher: gate,
		Sink:       sink,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Hi %s, speak when you're ready. Press Ctrl+C to stop.\n", profile.User.DisplayName)
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	defer bridge.Stop()

	select {
	case <-ctx.Done():
	case <-sink.done:
		return errors.New("voice session ended")
	}
	return nil
}

func loadProfile(ctx context.Context, accounts ledger.Store, userID, lang string) (conversation.Profile, error) {
	user, err := accounts.User(ctx, userID)
	if err != nil {
		return conversation.Profile{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	cards, err := accounts.Cards(ctx, userID)
	if err != nil {
		return conversation.Profile{}, fmt.Errorf("failed to load cards: %w", err)
	}
	loans, err := accounts.Loans(ctx, userID)
	if err != nil {
		return conversation.Profile{}, fmt.Errorf("failed to load loans: %w", err)
	}
	return conversation.Profile{
		User:     user,
		Language: i18n.Normalize(lang),
		Cards:    cards,
		Loans:    loans,
	}, nil
}
