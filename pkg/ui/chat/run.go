package chat

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ollama-acp/pkg/ollama"
)

// Reply is one assistant answer plus the generation stats Ollama reported.
// Zero stats mean the server did not send them.
type Reply struct {
	Content       string
	Model         string
	EvalCount     int64
	TotalDuration time.Duration
}

// ChatFunc sends the whole conversation so far and returns the next
// assistant turn.
type ChatFunc func(ctx context.Context, history []ollama.Message) (Reply, error)

// RuntimeInfo is shown in the console header.
type RuntimeInfo struct {
	OllamaURL string
	Model     string
	System    string
}

func RunInteractive(ctx context.Context, chatFn ChatFunc, info RuntimeInfo) error {
	model := newModel(ctx, chatFn, modeInteractive, "", info)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func RunOneShot(ctx context.Context, chatFn ChatFunc, prompt string, info RuntimeInfo) error {
	model := newModel(ctx, chatFn, modeOneShot, prompt, info)
	program := tea.NewProgram(model)
	_, err := program.Run()
	return err
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("Ollama session closed")
}
