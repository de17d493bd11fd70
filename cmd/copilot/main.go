// clipdocs copilot CLI: an interactive chat client against the copilot agent.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipdocs/copilot/internal/changes"
	"github.com/clipdocs/copilot/internal/config"
	"github.com/clipdocs/copilot/internal/conversation"
	"github.com/clipdocs/copilot/internal/copilot"
	"github.com/clipdocs/copilot/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	documentID := os.Getenv("DOCUMENT_ID")
	if documentID == "" {
		documentID = "scratch"
	}
	language := os.Getenv("LANGUAGE")
	token := os.Getenv("SESSION_TOKEN")

	var recorder copilot.TranscriptRecorder
	if cfg.Transcript.Enabled {
		repo, err := store.NewSQLite(cfg.Transcript.DBPath)
		if err != nil {
			slog.Error("Failed to open transcript store", "error", err, "path", cfg.Transcript.DBPath)
			os.Exit(1)
		}
		defer repo.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pruned, err := repo.PruneTranscripts(ctx, cfg.Transcript.TTL)
		cancel()
		if err != nil {
			slog.Warn("Failed to prune old transcripts", "error", err)
		} else if pruned > 0 {
			slog.Info("Pruned old transcripts", "rows", pruned)
		}
		recorder = repo
	}

	session, err := copilot.New(copilot.Config{
		AgentURL:        cfg.AgentURL,
		DocumentID:      documentID,
		Language:        language,
		Token:           token,
		DocumentContent: documentSnapshot(),
		ReconnectDelay:  cfg.ReconnectDelay,
		DisconnectGrace: cfg.DisconnectGrace,
		OnPendingChange: func(p changes.Proposal) {
			fmt.Printf("\n[proposed %s %s] %s\n", p.Kind, p.ID, p.Rationale)
			fmt.Println("  /accept " + p.ID + "  or  /reject " + p.ID)
		},
		OnChangeAccepted: func(id string) { fmt.Printf("[change %s accepted]\n", id) },
		OnChangeRejected: func(id string) { fmt.Printf("[change %s rejected]\n", id) },
		Recorder:         recorder,
	})
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		os.Exit(1)
	}

	session.Attach()
	defer session.Detach()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var closeOnce sync.Once
	quit := func() { closeOnce.Do(func() { close(done) }) }

	go renderLoop(session, done)
	go func() {
		<-stop
		quit()
	}()

	fmt.Printf("copilot attached to document %q (agent %s)\n", documentID, cfg.AgentURL)
	fmt.Println("commands: /accept <id>  /reject <id>  /stop  /clear  /quit")

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if !runCommand(session, line) {
					quit()
					return
				}
				continue
			}
			if !session.Connected() {
				fmt.Println("(not connected, message dropped)")
				continue
			}
			session.SendMessage(line, nil, "")
		}
		quit()
	}()

	<-done
	fmt.Println("bye")
}

// runCommand handles a slash command. Returns false when the client should
// exit.
func runCommand(session *copilot.Session, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/accept":
		if arg == "" {
			fmt.Println("usage: /accept <change-id>")
			return true
		}
		session.AcceptChange(arg)
	case "/reject":
		if arg == "" {
			fmt.Println("usage: /reject <change-id>")
			return true
		}
		session.RejectChange(arg)
	case "/stop":
		session.StopGeneration()
	case "/clear":
		session.ClearConversation()
		fmt.Println("(conversation cleared)")
	case "/quit", "/exit":
		return false
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	return true
}

// renderLoop polls the session and prints turns as they finalize. Streaming
// partials are skipped; the finalized turn carries the full text.
func renderLoop(session *copilot.Session, done <-chan struct{}) {
	printed := make(map[string]bool)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for _, turn := range session.Turns() {
			if turn.Streaming || printed[turn.ID] {
				continue
			}
			printed[turn.ID] = true
			printTurn(turn)
		}
	}
}

func printTurn(turn conversation.Turn) {
	switch turn.Role {
	case conversation.RoleUser:
		// Already on screen as the typed line.
	case conversation.RoleAssistant:
		fmt.Printf("\nagent: %s\n", turn.Content)
	case conversation.RoleTool:
		fmt.Printf("[tool %s]\n", turn.ToolName)
	case conversation.RoleSystem:
		if turn.Err != "" {
			fmt.Printf("[error] %s\n", turn.Err)
		} else {
			fmt.Printf("[notice] %s\n", turn.Content)
		}
	}
}

// documentSnapshot reads the document once from DOCUMENT_PATH, if set. The CLI
// has no live editor buffer, so the snapshot is static per process.
func documentSnapshot() func() string {
	path := os.Getenv("DOCUMENT_PATH")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read document", "error", err, "path", path)
		return nil
	}
	content := string(data)
	return func() string { return content }
}
