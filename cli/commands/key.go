package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/petal-labs/relay/template"
)

func (a *App) newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage provider API keys",
		Long:  `Manage provider API keys. Keys live in per-provider config files next to the templates and never appear in output or logs.`,
	}

	setCmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Set the API key for a provider",
		Long:  `Set the API key for a provider. The key is prompted without echo.`,
		Args:  cobra.ExactArgs(1),
		RunE:  a.runKeySet,
	}
	setCmd.Flags().BoolVar(&a.keyEmbedding, "embedding", false, "set the key on the embedding config instead of chat")

	deleteCmd := &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove the API key for a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runKeyDelete,
	}
	deleteCmd.Flags().BoolVar(&a.keyEmbedding, "embedding", false, "remove the key from the embedding config instead of chat")

	cmd.AddCommand(setCmd)
	cmd.AddCommand(deleteCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers with stored keys",
		Long:  `List providers that have an API key configured. Key values are never shown.`,
		RunE:  a.runKeyList,
	})
	return cmd
}

func (a *App) runKeySet(cmd *cobra.Command, args []string) error {
	provider := args[0]
	if err := a.ensureGateway(); err != nil {
		return err
	}

	apiKey, err := a.readSecret(fmt.Sprintf("Enter API key for %s: ", provider))
	if err != nil {
		return exitWithCode(ExitValidation, err)
	}
	if apiKey == "" {
		return exitWithCode(ExitValidation, fmt.Errorf("API key cannot be empty"))
	}

	if err := a.updateKey(provider, apiKey); err != nil {
		return exitWithCode(ExitValidation, fmt.Errorf("storing key: %w", err))
	}
	a.gw.InvalidateProvider(provider)

	fmt.Fprintf(a.stdout, "API key for %s stored.\n", provider)
	return nil
}

func (a *App) runKeyDelete(cmd *cobra.Command, args []string) error {
	provider := args[0]
	if err := a.ensureGateway(); err != nil {
		return err
	}
	if err := a.updateKey(provider, ""); err != nil {
		return exitWithCode(ExitValidation, fmt.Errorf("removing key: %w", err))
	}
	a.gw.InvalidateProvider(provider)

	fmt.Fprintf(a.stdout, "API key for %s removed.\n", provider)
	return nil
}

func (a *App) runKeyList(cmd *cobra.Command, args []string) error {
	if err := a.ensureGateway(); err != nil {
		return err
	}

	var withKeys []string
	seen := map[string]bool{}
	for _, id := range append(a.store.ChatProviderIDs(), a.store.EmbeddingProviderIDs()...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		chatCfg := a.store.ChatUserConfig(id)
		embedCfg := a.store.EmbeddingUserConfig(id)
		if (chatCfg != nil && chatCfg.APIKey != "") || (embedCfg != nil && embedCfg.APIKey != "") {
			withKeys = append(withKeys, id)
		}
	}

	if a.jsonOutput {
		return a.outputJSON(withKeys)
	}
	if len(withKeys) == 0 {
		fmt.Fprintln(a.stdout, "No API keys stored.")
		return nil
	}
	fmt.Fprintln(a.stdout, "Providers with keys:")
	for _, id := range withKeys {
		fmt.Fprintf(a.stdout, "  - %s\n", id)
	}
	return nil
}

// updateKey rewrites the provider's user config with a new key, preserving
// every other field.
func (a *App) updateKey(provider, apiKey string) error {
	if a.keyEmbedding {
		cfg := a.store.EmbeddingUserConfig(provider)
		if cfg == nil {
			cfg = &template.UserConfig{}
		}
		next := *cfg
		next.APIKey = apiKey
		return a.store.SetEmbeddingUserConfig(provider, &next)
	}
	cfg := a.store.ChatUserConfig(provider)
	if cfg == nil {
		cfg = &template.UserConfig{}
	}
	next := *cfg
	next.APIKey = apiKey
	return a.store.SetChatUserConfig(provider, &next)
}

// readSecret prompts for a secret, suppressing echo on terminals.
func (a *App) readSecret(prompt string) (string, error) {
	fmt.Fprint(a.stdout, prompt)

	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		keyBytes, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.stdout)
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(keyBytes)), nil
	}

	// Piped input.
	reader := bufio.NewReader(a.stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
