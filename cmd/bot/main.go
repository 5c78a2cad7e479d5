// ======================
// File: cmd/bot/main.go
// ======================
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/app"
	"github.com/witthawin/signalbot/internal/config"
	"github.com/witthawin/signalbot/internal/engine"
	"github.com/witthawin/signalbot/internal/exchange/bybit"
	"github.com/witthawin/signalbot/internal/logger"
	"github.com/witthawin/signalbot/internal/notify"
	"github.com/witthawin/signalbot/internal/signal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signalbot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; a missing file is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting signalbot",
		zap.String("symbol", cfg.Trading.Symbol),
		zap.Bool("testnet", cfg.Exchange.Testnet),
		zap.String("size_mode", cfg.Trading.PositionSizeMode))

	gateway := bybit.NewClient(cfg.Exchange, log.WithComponent("bybit"))

	var notifier engine.Notifier = engine.NoopNotifier{}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier = notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			log.WithComponent("notify"))
		log.Info("Telegram notifications enabled")
	} else {
		log.Info("Telegram notifications disabled")
	}

	eng, err := engine.New(cfg, gateway, notifier, log.WithComponent("engine"))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	shutdown := app.NewShutdownHandler(log.WithComponent("app"),
		time.Duration(cfg.Engine.ShutdownTimeoutSec)*time.Second)
	shutdown.AddFunc("engine", func() error {
		cancel()
		eng.Stop()
		return nil
	})

	parser := signal.NewParser(log.WithComponent("signal"))
	go readSignals(ctx, parser, eng, log.WithComponent("stdin"))

	shutdown.Wait()
	return nil
}

// readSignals consumes signal messages from stdin. Messages are separated by
// blank lines, so multi-line channel posts can be pasted verbatim.
func readSignals(ctx context.Context, parser *signal.Parser, eng *engine.Engine, log *zap.Logger) {
	log.Info("Reading signal messages from stdin (blank line terminates a message)")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var block []string
	flush := func() {
		if len(block) == 0 {
			return
		}
		message := strings.Join(block, "\n")
		block = block[:0]

		sig, err := parser.Parse(message)
		if err != nil {
			log.Warn("Discarding unparseable message", zap.Error(err))
			return
		}
		if eng.ExecuteSignal(ctx, sig) {
			log.Info("Signal executed",
				zap.String("symbol", sig.Symbol),
				zap.String("direction", string(sig.Direction)))
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()

	if err := scanner.Err(); err != nil {
		log.Error("Stdin read failed", zap.Error(err))
	}
	log.Info("Signal input closed")
}

func defaultConfigPath() string {
	if p := os.Getenv("SIGNALBOT_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}
