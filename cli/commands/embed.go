package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/relay/core"
)

func (a *App) newEmbedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "embed <text> [text...]",
		Short: "Embed one or more texts",
		Long: `Embed texts through the gateway, in argument order.

Examples:
  relay embed --provider openai "first text" "second text"
  relay embed --json "query text"`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.runEmbed,
	}
}

func (a *App) runEmbed(cmd *cobra.Command, args []string) error {
	provider, err := a.requireProvider()
	if err != nil {
		return err
	}
	if err := a.ensureGateway(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := a.gw.GetEmbeddings(ctx, provider, &core.EmbeddingRequest{Inputs: args})
	if err != nil {
		return a.handleGatewayError(err)
	}

	if a.jsonOutput {
		return a.outputJSON(resp)
	}
	for i, r := range resp.Results {
		fmt.Fprintf(a.stdout, "[%d] %d dimensions", i, len(r.Vector))
		if n := len(r.Vector); n > 0 {
			preview := r.Vector[:min(4, n)]
			fmt.Fprintf(a.stdout, "  %v...", preview)
		}
		fmt.Fprintln(a.stdout)
	}
	return nil
}
