package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func (a *App) newProvidersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List known providers",
		Long:  `List providers with templates in the template directory, and whether each has an API key configured.`,
		RunE:  a.runProvidersList,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Install starter provider templates",
		Long:  `Write starter templates (OpenAI, Anthropic) into an empty template directory.`,
		RunE:  a.runProvidersInit,
	})
	return cmd
}

func (a *App) runProvidersList(cmd *cobra.Command, args []string) error {
	if err := a.ensureGateway(); err != nil {
		return err
	}

	type entry struct {
		Provider  string `json:"provider"`
		Chat      bool   `json:"chat"`
		Embedding bool   `json:"embedding"`
		HasKey    bool   `json:"has_key"`
	}
	byID := map[string]*entry{}
	for _, id := range a.store.ChatProviderIDs() {
		byID[id] = &entry{Provider: id, Chat: true}
	}
	for _, id := range a.store.EmbeddingProviderIDs() {
		if e, ok := byID[id]; ok {
			e.Embedding = true
		} else {
			byID[id] = &entry{Provider: id, Embedding: true}
		}
	}
	for id, e := range byID {
		chatCfg := a.store.ChatUserConfig(id)
		embedCfg := a.store.EmbeddingUserConfig(id)
		e.HasKey = (chatCfg != nil && chatCfg.APIKey != "") || (embedCfg != nil && embedCfg.APIKey != "")
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if a.jsonOutput {
		entries := make([]entry, len(ids))
		for i, id := range ids {
			entries[i] = *byID[id]
		}
		return a.outputJSON(entries)
	}

	if len(ids) == 0 {
		fmt.Fprintf(a.stdout, "No provider templates in %s. Run 'relay providers init' to install starters.\n",
			a.store.Root())
		return nil
	}
	for _, id := range ids {
		e := byID[id]
		kinds := ""
		if e.Chat {
			kinds = "chat"
		}
		if e.Embedding {
			if kinds != "" {
				kinds += "+"
			}
			kinds += "embedding"
		}
		key := "no key"
		if e.HasKey {
			key = "key configured"
		}
		fmt.Fprintf(a.stdout, "  %-16s %-16s %s\n", id, kinds, key)
	}
	return nil
}

func (a *App) runProvidersInit(cmd *cobra.Command, args []string) error {
	if err := a.ensureGateway(); err != nil {
		return err
	}
	if err := a.store.Bootstrap(); err != nil {
		return exitWithCode(ExitValidation, fmt.Errorf("installing starter templates: %w", err))
	}
	fmt.Fprintf(a.stdout, "Templates installed in %s\n", a.store.Root())
	fmt.Fprintln(a.stdout, "Next: relay key set <provider>")
	return nil
}
