// coachkit - A hybrid on-device/cloud AI wellness coach for the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/lightertomorrow/coachkit/internal/backend"
	"github.com/lightertomorrow/coachkit/internal/cloud"
	"github.com/lightertomorrow/coachkit/internal/config"
	"github.com/lightertomorrow/coachkit/internal/hybrid"
	"github.com/lightertomorrow/coachkit/internal/journey"
	"github.com/lightertomorrow/coachkit/internal/local"
	"github.com/lightertomorrow/coachkit/internal/logging"
	"github.com/lightertomorrow/coachkit/internal/quota"
	"github.com/lightertomorrow/coachkit/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coachkit:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Dir = filepath.Join(cfg.DataDir, "logs")
	logCfg.Level = cfg.Logging.Level
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxAgeDays = cfg.Logging.MaxAgeDays
	logCfg.Compress = cfg.Logging.Compress
	logCfg.Console = cfg.Logging.Console
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.Open(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	journeyStore, err := journey.Open(filepath.Join(cfg.DataDir, "journey.db"), logger)
	if err != nil {
		return err
	}
	defer journeyStore.Close()
	journeyStore.SetEventListener(func(e journey.Event) {
		logger.Info("routine completed", zap.String("event", string(e)))
	})

	tracker, err := quota.NewTracker(
		quota.NewFileStore(filepath.Join(cfg.DataDir, "usage.json")),
		quota.WithBudget(cfg.Quota.MonthlyTokenBudget),
		quota.WithWarningThreshold(cfg.Quota.WarningThreshold),
		quota.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	localBackend := local.NewBackend(local.Config{
		RuntimeURL:  cfg.Local.RuntimeURL,
		Model:       cfg.Local.Model,
		LoadTimeout: cfg.Local.LoadTimeout(),
	}, logger)

	var active backend.Backend = localBackend
	if cfg.Backend == backend.KindRemote.String() {
		remote, err := newRemoteBackend(cfg, logger)
		if err != nil {
			return err
		}
		active = remote
	}

	coordinator := hybrid.New(active, store, journeyStore, tracker, hybrid.Config{
		ShareJourneyData: cfg.ShareJourneyData,
	}, logger)
	coordinator.SetUsageWarningFunc(func(msg string) {
		fmt.Println()
		fmt.Println("⚠ " + msg)
	})

	watcher, err := config.NewWatcher("", logger, func(next *config.Config) {
		coordinator.SetShareJourneyData(next.ShareJourneyData)
		logger.Info("applying config change",
			zap.Bool("share_journey_data", next.ShareJourneyData))
	})
	if err != nil {
		logger.Warn("config file watch unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	fmt.Printf("coachkit - %s coach\n", active.Kind().DisplayName())
	fmt.Println("Loading model...")
	if err := coordinator.Load(context.Background()); err != nil {
		fmt.Println("Model not available yet:", err)
		fmt.Println("You can keep typing; messages will be answered once it loads.")
	}
	if err := coordinator.LoadHistory(context.Background()); err != nil {
		logger.Warn("failed to restore history", zap.Error(err))
	}

	return repl(coordinator, store, cfg, tracker, logger)
}

func newRemoteBackend(cfg *config.Config, logger *zap.Logger) (backend.Backend, error) {
	remoteCfg := cloud.DefaultConfig()
	remoteCfg.BaseURL = cfg.Remote.BaseURL
	remoteCfg.ClientID = cfg.Remote.ClientID
	remoteCfg.MaxTokens = cfg.Remote.MaxTokens
	remoteCfg.Temperature = cfg.Remote.Temperature
	remoteCfg.Timeout = cfg.Remote.Timeout()
	remoteCfg.MaxRetries = cfg.Remote.MaxRetries
	remoteCfg.RequestsPerMinute = cfg.Remote.RequestsPerMinute
	return cloud.NewClient(remoteCfg, logger)
}

// =============================================================================
// REPL
// =============================================================================

const helpText = `Commands:
  /new            start a new conversation
  /history        list past conversations
  /switch         switch between on-device and cloud coach
  /usage          show this month's AI usage
  /delete <id>    delete one saved conversation (/delete all wipes everything)
  /help           show this help
  /quit           exit`

func repl(coordinator *hybrid.Coordinator, store *storage.Store, cfg *config.Config, tracker *quota.Tracker, logger *zap.Logger) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(cfg.DataDir, "repl_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println(`Type a message, or /help for commands.`)

	for {
		input, err := line.Prompt("you> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := command(input, coordinator, store, cfg, tracker, logger); quit {
				return nil
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		response, err := coordinator.Generate(ctx, input)
		cancel()
		if err != nil {
			logger.Error("failed to persist exchange", zap.Error(err))
			fmt.Println("(warning: this exchange could not be saved)")
		}
		fmt.Println()
		fmt.Println("coach>", response)
		fmt.Println()
	}
}

// command handles a /-prefixed input and reports whether to exit.
func command(input string, coordinator *hybrid.Coordinator, store *storage.Store, cfg *config.Config, tracker *quota.Tracker, logger *zap.Logger) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(helpText)

	case "/new":
		coordinator.StartNewConversation()
		fmt.Println("Started a new conversation.")

	case "/usage":
		fmt.Printf("Used %d of %d tokens this month. Renews %s.\n",
			tracker.UsedTokens(), tracker.Budget(), tracker.RenewalDateString())

	case "/history":
		groups, err := store.GroupedConversations(context.Background())
		if err != nil {
			fmt.Println("Couldn't load history:", err)
			break
		}
		if len(groups) == 0 {
			fmt.Println("No saved conversations yet.")
			break
		}
		for _, g := range groups {
			fmt.Printf("%s  %s  %s  (%d messages)  %s\n",
				g.ConversationID,
				g.Day.Format("2006-01-02"),
				g.StartTime.Format("15:04"),
				g.MessageCount(),
				g.Preview(60))
		}

	case "/delete":
		if len(fields) < 2 {
			fmt.Println("Usage: /delete <conversation-id> or /delete all")
			break
		}
		if fields[1] == "all" {
			if err := store.DeleteAll(context.Background()); err != nil {
				fmt.Println("Delete failed:", err)
				break
			}
			coordinator.StartNewConversation()
			fmt.Println("Deleted all saved conversations.")
			break
		}
		id, err := uuid.Parse(fields[1])
		if err != nil {
			fmt.Println("That doesn't look like a conversation ID. Try /history first.")
			break
		}
		if err := store.DeleteConversation(context.Background(), id); err != nil {
			fmt.Println("Delete failed:", err)
			break
		}
		if coordinator.ConversationID() == id {
			coordinator.StartNewConversation()
		}
		fmt.Println("Deleted conversation", id)

	case "/switch":
		next, err := otherBackend(coordinator, cfg, logger)
		if err != nil {
			fmt.Println("Can't switch:", err)
			break
		}
		fmt.Printf("Switching to the %s coach...\n", next.Kind().DisplayName())
		if err := coordinator.SwitchBackend(context.Background(), next); err != nil {
			fmt.Println("Switch failed:", err)
			break
		}
		fmt.Println("Ready. This starts a fresh conversation; your history is still saved.")

	default:
		fmt.Println("Unknown command. Try /help.")
	}
	return false
}

func otherBackend(coordinator *hybrid.Coordinator, cfg *config.Config, logger *zap.Logger) (backend.Backend, error) {
	if coordinator.ActiveKind() == backend.KindRemote {
		return local.NewBackend(local.Config{
			RuntimeURL:  cfg.Local.RuntimeURL,
			Model:       cfg.Local.Model,
			LoadTimeout: cfg.Local.LoadTimeout(),
		}, logger), nil
	}
	return newRemoteBackend(cfg, logger)
}
