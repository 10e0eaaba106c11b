package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/MegaGrindStone/askai-chat/internal/services"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/MegaGrindStone/askai-chat/internal/tui"
	"github.com/caarlos0/env/v11"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
)

type envConfig struct {
	ChatURL string `env:"ASKAI_CHAT_URL" envDefault:"http://localhost:8080/functions/v1/chat"`
	APIKey  string `env:"ASKAI_API_KEY"`
	LogFile string `env:"ASKAI_LOG_FILE"`
}

func main() {
	_ = godotenv.Load()

	var e envConfig
	if err := env.Parse(&e); err != nil {
		fmt.Println("failed to parse environment:", err)
		os.Exit(1)
	}

	chatURL := flag.String("url", e.ChatURL, "chat function endpoint")
	apiKey := flag.String("api-key", e.APIKey, "bearer token sent to the chat function")
	logFile := flag.String("log-file", e.LogFile, "write logs to this file instead of discarding them")
	style := flag.String("style", "", "glamour style for replies (dark, light, notty); detected when empty")
	noAltScreen := flag.Bool("no-alt-screen", false, "disable the alternate screen buffer")
	flag.Parse()

	var w io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Println("failed to open log file:", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))

	model, err := tui.New(context.Background(), tui.Config{
		Streamer:     stream.NewClient(*chatURL, *apiKey, &http.Client{}, logger),
		Sessions:     services.NewMemorySessions(),
		GlamourStyle: *style,
		Logger:       logger,
	})
	if err != nil {
		fmt.Println("failed to start:", err)
		os.Exit(1)
	}

	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if !*noAltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	if _, err := tea.NewProgram(model, opts...).Run(); err != nil {
		fmt.Println("program error:", err)
		os.Exit(1)
	}
}
