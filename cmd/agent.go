/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"ollama-acp/pkg/action"
	"ollama-acp/pkg/ollama"
	"ollama-acp/pkg/plugin"
	"ollama-acp/pkg/ui/chat"
)

var (
	promptText   string
	modelName    string
	systemPrompt string
	plainOutput  bool
)

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent [prompt]",
	Short: "Send a prompt or start an interactive chat",
	Long:  "Chats with the configured Ollama model through the plugin's chat action. With a prompt it answers once; without one it starts a multi-turn session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p := newLocalPlugin(appConfig)
		chatFn := pluginChat(p, modelName)

		resolved := p.Resolve(ctx)
		info := chat.RuntimeInfo{
			OllamaURL: resolved.BaseURL,
			Model:     firstNonEmpty(modelName, resolved.DefaultModel),
			System:    firstNonEmpty(systemPrompt, action.DefaultSystemPrompt),
		}

		prompt := resolvePrompt(args)
		switch {
		case prompt != "" && plainOutput:
			return runSinglePrompt(ctx, cmd.OutOrStdout(), chatFn, info, prompt)
		case prompt != "":
			return chat.RunOneShot(ctx, chatFn, prompt, info)
		case plainOutput:
			return runInteractive(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), chatFn, info)
		default:
			return chat.RunInteractive(ctx, chatFn, info)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
	agentCmd.Flags().StringVarP(&modelName, "model", "m", "", "model to use instead of the configured default")
	agentCmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "system prompt for the conversation")
	agentCmd.Flags().BoolVar(&plainOutput, "plain", false, "plain line-based output instead of the terminal UI")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// pluginChat runs each conversation turn through the plugin's chat action,
// so the CLI exercises the same path as every other host.
func pluginChat(p *plugin.Plugin, model string) chat.ChatFunc {
	return func(ctx context.Context, history []ollama.Message) (chat.Reply, error) {
		input, err := json.Marshal(chatEnvelope{
			Action:   string(action.KindChat),
			Messages: history,
			Model:    strings.TrimSpace(model),
		})
		if err != nil {
			return chat.Reply{}, fmt.Errorf("encode chat request: %w", err)
		}

		result, err := p.Process(ctx, input)
		if err != nil {
			return chat.Reply{}, err
		}
		if result.Err != nil {
			return chat.Reply{}, result.Err
		}

		out, ok := result.Value.(ollama.ChatResult)
		if !ok {
			return chat.Reply{}, fmt.Errorf("unexpected chat result %T", result.Value)
		}
		return replyFrom(out), nil
	}
}

type chatEnvelope struct {
	Action   string           `json:"action"`
	Messages []ollama.Message `json:"messages,omitempty"`
	Model    string           `json:"model,omitempty"`
}

func replyFrom(out ollama.ChatResult) chat.Reply {
	return chat.Reply{
		Content:       out.Content,
		Model:         out.Model,
		EvalCount:     gjson.ParseBytes(out.EvalCount).Int(),
		TotalDuration: time.Duration(gjson.ParseBytes(out.TotalDuration).Int()),
	}
}

func runSinglePrompt(ctx context.Context, out io.Writer, chatFn chat.ChatFunc, info chat.RuntimeInfo, prompt string) error {
	reply, err := chatFn(ctx, startHistory(info, prompt))
	if err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}

	_, err = fmt.Fprintln(out, strings.TrimSpace(reply.Content))
	return err
}

func runInteractive(ctx context.Context, in io.Reader, out io.Writer, chatFn chat.ChatFunc, info chat.RuntimeInfo) error {
	scanner := bufio.NewScanner(in)
	history := startHistory(info, "")

	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return nil
		}

		turn := append(history, ollama.Message{Role: "user", Content: prompt})
		reply, err := chatFn(ctx, turn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prompt failed: %v\n", err)
			continue
		}

		history = append(turn, ollama.Message{Role: "assistant", Content: reply.Content})
		printAssistantMessage(out, reply.Content)
	}
}

func startHistory(info chat.RuntimeInfo, prompt string) []ollama.Message {
	var history []ollama.Message
	if system := strings.TrimSpace(info.System); system != "" {
		history = append(history, ollama.Message{Role: "system", Content: system})
	}
	if prompt != "" {
		history = append(history, ollama.Message{Role: "user", Content: prompt})
	}
	return history
}

func printAssistantMessage(out io.Writer, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "ollama> %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
