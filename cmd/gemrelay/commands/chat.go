package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// newChatCmd creates the `gemrelay chat` command: one-shot with an argument,
// interactive REPL without.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the model through the key pool",
		Long: `Send a message through the relay. With an argument, sends it and exits;
without, starts an interactive session.

Examples:
  gemrelay chat "summarize this repo"
  gemrelay chat --model gemini-2.5-flash
  gemrelay chat --no-stream "write a haiku"`,
		Args: cobra.ArbitraryArgs,
		RunE: runChat,
	}

	cmd.Flags().String("model", "", "model to use (overrides config)")
	cmd.Flags().Bool("no-stream", false, "wait for the complete response instead of streaming")
	cmd.Flags().Bool("grounding", false, "enable web grounding")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	service, _, err := buildService(cfg, logger)
	if err != nil {
		return exitOnNoKeys(err)
	}

	model := cfg.Model
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		model = m
	}
	noStream, _ := cmd.Flags().GetBool("no-stream")
	grounding, _ := cmd.Flags().GetBool("grounding")

	params := cfg.Generation
	requestParams := relay.GenerationParams{
		Temperature:     params.Temperature,
		TopK:            params.TopK,
		TopP:            params.TopP,
		MaxOutputTokens: params.MaxOutputTokens,
		ThinkingBudget:  params.ThinkingBudget,
		WebGrounding:    params.WebGrounding || grounding,
		URLContext:      params.URLContext,
	}
	streaming := params.Streaming && !noStream

	ctx := context.Background()

	if len(args) > 0 {
		turns := []relay.Turn{{Role: relay.RoleUser, Text: strings.Join(args, " ")}}
		return sendOnce(ctx, service, turns, requestParams, model, streaming)
	}

	return runREPL(ctx, service, requestParams, model, streaming)
}

// runREPL drives the interactive session, carrying conversation history
// across turns.
func runREPL(ctx context.Context, service *relay.Service, params relay.GenerationParams, model string, streaming bool) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Chatting with %s. Type /quit to exit, /clear to reset history.\n\n", model)

	var history []relay.Turn
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			history = nil
			fmt.Println("History cleared.")
			continue
		}

		history = append(history, relay.Turn{Role: relay.RoleUser, Text: line})
		answer, err := exchange(ctx, service, history, params, model, streaming)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			// Drop the failed turn so a transient error does not wedge
			// the whole session.
			history = history[:len(history)-1]
			continue
		}
		history = append(history, relay.Turn{Role: relay.RoleModel, Text: answer})
	}
}

// sendOnce sends a single exchange and prints the result.
func sendOnce(ctx context.Context, service *relay.Service, turns []relay.Turn, params relay.GenerationParams, model string, streaming bool) error {
	_, err := exchange(ctx, service, turns, params, model, streaming)
	return err
}

// exchange runs one request, printing output as it arrives, and returns the
// complete response text.
func exchange(ctx context.Context, service *relay.Service, turns []relay.Turn, params relay.GenerationParams, model string, streaming bool) (string, error) {
	req := &relay.GenerationRequest{Turns: turns, Params: params}

	if !streaming {
		res, err := service.SendBatch(ctx, req, model)
		if err != nil {
			return "", err
		}
		fmt.Println(res.Text)
		return res.Text, nil
	}

	handle, err := service.SendStreaming(ctx, req, model)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for ev := range handle.Events {
		switch ev.Type {
		case relay.EventText:
			out.WriteString(ev.Text)
			fmt.Print(ev.Text)
		case relay.EventModelSwitched:
			fmt.Fprintf(os.Stderr, "\n[switched to %s: %s]\n", ev.ToModel, ev.Reason)
		case relay.EventError:
			fmt.Println()
			return "", errors.New(ev.Message)
		case relay.EventDone:
			fmt.Println()
		}
	}
	return out.String(), nil
}

// historyFile places the REPL history next to the other per-user state.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.gemrelay_history"
}
