package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/relay/core"
)

func (a *App) newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a chat completion request",
		Long: `Send a chat completion request through the gateway.

Examples:
  relay chat --provider openai --prompt "Hello"
  relay chat --prompt "Hello" --stream
  relay chat --prompt "List three facts" --force-json`,
		RunE: a.runChat,
	}

	cmd.Flags().StringVar(&a.chatPrompt, "prompt", "", "user message (required)")
	cmd.Flags().StringVar(&a.chatSystem, "system", "", "system message")
	cmd.Flags().BoolVar(&a.chatForceJSON, "force-json", false, "ask the provider for JSON-only output")
	cmd.Flags().BoolVar(&a.chatStream, "stream", false, "enable streaming output")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

func (a *App) runChat(cmd *cobra.Command, args []string) error {
	provider, err := a.requireProvider()
	if err != nil {
		return err
	}
	if err := a.ensureGateway(); err != nil {
		return err
	}

	var messages []core.Message
	if a.chatSystem != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: a.chatSystem})
	}
	messages = append(messages, core.Message{Role: core.RoleUser, Content: a.chatPrompt})

	req := &core.ChatRequest{
		Messages:  messages,
		ForceJSON: a.chatForceJSON,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.chatStream {
		return a.runStreamingChat(ctx, provider, req)
	}
	return a.runChatOnce(ctx, provider, req)
}

func (a *App) runChatOnce(ctx context.Context, provider string, req *core.ChatRequest) error {
	resp, err := a.gw.GetCompletion(ctx, provider, req)
	if err != nil {
		return a.handleGatewayError(err)
	}

	if a.jsonOutput {
		return a.outputJSON(resp)
	}
	fmt.Fprintf(a.stdout, "> %s\n", a.chatPrompt)
	fmt.Fprintln(a.stdout, resp.Message.Content)
	a.printToolCalls(resp.Message.ToolCalls)
	return nil
}

func (a *App) runStreamingChat(ctx context.Context, provider string, req *core.ChatRequest) error {
	stream, err := a.gw.GetCompletionStream(ctx, provider, req)
	if err != nil {
		return a.handleGatewayError(err)
	}

	if a.jsonOutput {
		// Drain and emit the aggregate.
		for range stream.Ch {
		}
		if err, ok := <-stream.Err; ok && err != nil {
			return a.handleGatewayError(err)
		}
		if resp, ok := <-stream.Final; ok {
			return a.outputJSON(resp)
		}
		return nil
	}

	fmt.Fprintf(a.stdout, "> %s\n", a.chatPrompt)
	for chunk := range stream.Ch {
		fmt.Fprint(a.stdout, chunk.ContentDelta)
	}
	fmt.Fprintln(a.stdout)

	if err, ok := <-stream.Err; ok && err != nil {
		return a.handleGatewayError(err)
	}
	if resp, ok := <-stream.Final; ok {
		a.printToolCalls(resp.Message.ToolCalls)
	}
	return nil
}

func (a *App) printToolCalls(calls []core.ToolCall) {
	for _, call := range calls {
		fmt.Fprintf(a.stdout, "[tool call] %s(%s)\n", call.Name, call.Arguments)
	}
}

func (a *App) outputJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// handleGatewayError prints the error and maps it to a process exit code.
func (a *App) handleGatewayError(err error) error {
	if a.jsonOutput {
		a.outputErrorJSON(err)
	} else {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}

	switch {
	case errors.Is(err, core.ErrNoMessages),
		errors.Is(err, core.ErrNoInputs),
		errors.Is(err, core.ErrNotConfigured),
		errors.Is(err, core.ErrTemplateNotFound),
		errors.Is(err, core.ErrInvalidTemplate):
		return exitWithCode(ExitValidation, err)
	case errors.Is(err, core.ErrTransport),
		errors.Is(err, core.ErrTimeout),
		errors.Is(err, core.ErrCancelled):
		return exitWithCode(ExitNetwork, err)
	default:
		return exitWithCode(ExitProvider, err)
	}
}

func (a *App) outputErrorJSON(err error) {
	kind := "error"
	var gwErr *core.GatewayError
	if errors.As(err, &gwErr) && gwErr.Err != nil {
		kind = gwErr.Err.Error()
	}
	out := map[string]any{
		"error": map[string]any{
			"type":    kind,
			"message": err.Error(),
		},
	}
	enc := json.NewEncoder(a.stderr)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
