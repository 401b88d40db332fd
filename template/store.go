package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/relay/core"
)

// On-disk layout, owned by the host:
//
//	<root>/provider_template_chat_<id>.json
//	<root>/provider_template_embedding_<id>.json
//	<root>/chat_config_<id>.json
//	<root>/embedding_config_<id>.json
const (
	chatTemplatePrefix      = "provider_template_chat_"
	embeddingTemplatePrefix = "provider_template_embedding_"
	chatConfigPrefix        = "chat_config_"
	embeddingConfigPrefix   = "embedding_config_"
	jsonSuffix              = ".json"
)

// FS is the file port the store consumes. The default implementation reads
// the local filesystem; tests and hosts may substitute their own.
type FS interface {
	ReadDir(dir string) ([]string, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// OSFS is the local-filesystem implementation of FS.
type OSFS struct{}

func (OSFS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (OSFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSFS) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// snapshot is one immutable view of all templates and user configs.
// Reads never lock; Reload swaps the whole snapshot atomically.
type snapshot struct {
	chatTemplates      map[string]*ChatTemplate
	embeddingTemplates map[string]*EmbeddingTemplate
	chatInvalid        map[string]error
	embeddingInvalid   map[string]error
	chatConfigs        map[string]*UserConfig
	embeddingConfigs   map[string]*UserConfig
}

// Store loads provider templates and user configs from a config root and
// serves merged configurations. Store is safe for concurrent use.
type Store struct {
	fs     FS
	root   string
	logger core.Logger

	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes Reload and config writes
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFS substitutes the file port.
func WithFS(fs FS) StoreOption {
	return func(s *Store) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l core.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a store over the given config root and performs the
// initial load. A missing root yields an empty store, not an error.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		fs:     OSFS{},
		root:   root,
		logger: core.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the config root directory.
func (s *Store) Root() string { return s.root }

// Reload atomically re-reads all templates and user configs. The previous
// snapshot keeps serving concurrent readers until the swap.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &snapshot{
		chatTemplates:      map[string]*ChatTemplate{},
		embeddingTemplates: map[string]*EmbeddingTemplate{},
		chatInvalid:        map[string]error{},
		embeddingInvalid:   map[string]error{},
		chatConfigs:        map[string]*UserConfig{},
		embeddingConfigs:   map[string]*UserConfig{},
	}

	names, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			s.snap.Store(next)
			return nil
		}
		return fmt.Errorf("reading config root: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		if !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		path := filepath.Join(s.root, name)
		data, err := s.fs.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable config file %s: %v", name, err)
			continue
		}

		switch {
		case strings.HasPrefix(name, embeddingTemplatePrefix):
			id := trimName(name, embeddingTemplatePrefix)
			var t EmbeddingTemplate
			if err := parseTemplate(data, &t, validateEmbeddingTemplate); err != nil {
				next.embeddingInvalid[id] = err
				s.logger.Warn("invalid embedding template %q: %v", id, err)
				continue
			}
			if t.Provider == "" {
				t.Provider = id
			}
			next.embeddingTemplates[id] = &t

		case strings.HasPrefix(name, chatTemplatePrefix):
			id := trimName(name, chatTemplatePrefix)
			var t ChatTemplate
			if err := parseTemplate(data, &t, validateChatTemplate); err != nil {
				next.chatInvalid[id] = err
				s.logger.Warn("invalid chat template %q: %v", id, err)
				continue
			}
			if t.Provider == "" {
				t.Provider = id
			}
			next.chatTemplates[id] = &t

		case strings.HasPrefix(name, embeddingConfigPrefix):
			id := trimName(name, embeddingConfigPrefix)
			var c UserConfig
			if err := json.Unmarshal(data, &c); err != nil {
				s.logger.Warn("skipping malformed embedding config %q: %v", id, err)
				continue
			}
			next.embeddingConfigs[id] = &c

		case strings.HasPrefix(name, chatConfigPrefix):
			id := trimName(name, chatConfigPrefix)
			var c UserConfig
			if err := json.Unmarshal(data, &c); err != nil {
				s.logger.Warn("skipping malformed chat config %q: %v", id, err)
				continue
			}
			next.chatConfigs[id] = &c
		}
	}

	s.snap.Store(next)
	return nil
}

func (s *Store) snapshot() *snapshot {
	if snap := s.snap.Load(); snap != nil {
		return snap
	}
	return &snapshot{}
}

// ChatProviderIDs lists ids of all chat providers with a template on disk,
// valid or not, sorted.
func (s *Store) ChatProviderIDs() []string {
	snap := s.snapshot()
	ids := make([]string, 0, len(snap.chatTemplates)+len(snap.chatInvalid))
	for id := range snap.chatTemplates {
		ids = append(ids, id)
	}
	for id := range snap.chatInvalid {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EmbeddingProviderIDs lists ids of all embedding providers with a template
// on disk, sorted.
func (s *Store) EmbeddingProviderIDs() []string {
	snap := s.snapshot()
	ids := make([]string, 0, len(snap.embeddingTemplates)+len(snap.embeddingInvalid))
	for id := range snap.embeddingTemplates {
		ids = append(ids, id)
	}
	for id := range snap.embeddingInvalid {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MergedChat returns the merged chat configuration for the provider.
func (s *Store) MergedChat(id string) (*MergedChat, error) {
	snap := s.snapshot()
	if err, ok := snap.chatInvalid[id]; ok {
		return nil, err
	}
	t, ok := snap.chatTemplates[id]
	if !ok {
		return nil, core.NewError(core.ErrTemplateNotFound, id, "no chat template for provider %q", id)
	}
	return NewMergedChat(t, snap.chatConfigs[id])
}

// MergedEmbedding returns the merged embedding configuration for the provider.
func (s *Store) MergedEmbedding(id string) (*MergedEmbedding, error) {
	snap := s.snapshot()
	if err, ok := snap.embeddingInvalid[id]; ok {
		return nil, err
	}
	t, ok := snap.embeddingTemplates[id]
	if !ok {
		return nil, core.NewError(core.ErrTemplateNotFound, id, "no embedding template for provider %q", id)
	}
	return NewMergedEmbedding(t, snap.embeddingConfigs[id])
}

// ChatUserConfig returns the stored chat user config, or nil.
func (s *Store) ChatUserConfig(id string) *UserConfig {
	return s.snapshot().chatConfigs[id]
}

// EmbeddingUserConfig returns the stored embedding user config, or nil.
func (s *Store) EmbeddingUserConfig(id string) *UserConfig {
	return s.snapshot().embeddingConfigs[id]
}

// SetChatUserConfig persists a chat user config through the file port and
// refreshes the snapshot.
func (s *Store) SetChatUserConfig(id string, cfg *UserConfig) error {
	return s.setUserConfig(chatConfigPrefix, id, cfg)
}

// SetEmbeddingUserConfig persists an embedding user config through the file
// port and refreshes the snapshot.
func (s *Store) SetEmbeddingUserConfig(id string, cfg *UserConfig) error {
	return s.setUserConfig(embeddingConfigPrefix, id, cfg)
}

func (s *Store) setUserConfig(prefix, id string, cfg *UserConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	path := filepath.Join(s.root, prefix+id+jsonSuffix)
	if err := s.fs.WriteFile(path, data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persisting user config: %w", err)
	}
	s.mu.Unlock()
	return s.Reload()
}

// ChatActive reports whether at least one chat provider has a non-empty key.
func (s *Store) ChatActive() bool {
	snap := s.snapshot()
	for id := range snap.chatTemplates {
		if c := snap.chatConfigs[id]; c != nil && c.APIKey != "" {
			return true
		}
	}
	return false
}

// EmbeddingActive reports whether at least one embedding provider has a
// non-empty key.
func (s *Store) EmbeddingActive() bool {
	snap := s.snapshot()
	for id := range snap.embeddingTemplates {
		if c := snap.embeddingConfigs[id]; c != nil && c.APIKey != "" {
			return true
		}
	}
	return false
}

func trimName(name, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), jsonSuffix)
}

func parseTemplate[T any](data []byte, out *T, validate func(*T) error) error {
	if err := json.Unmarshal(data, out); err != nil {
		return core.NewError(core.ErrInvalidTemplate, "", "malformed template: %v", err)
	}
	return validate(out)
}

func validateChatTemplate(t *ChatTemplate) error {
	switch {
	case t.Chat.Endpoint == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "chat_api.endpoint is required")
	case t.Chat.RequestPaths.Model == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "chat_api.request_paths.model is required")
	case t.Chat.RequestPaths.Messages == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "chat_api.request_paths.messages is required")
	case t.Chat.ResponsePaths.Content == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "chat_api.response_paths.content is required")
	}
	return nil
}

func validateEmbeddingTemplate(t *EmbeddingTemplate) error {
	switch {
	case t.Embedding.Endpoint == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "embedding_api.endpoint is required")
	case t.Embedding.RequestPaths.Model == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "embedding_api.request_paths.model is required")
	case t.Embedding.RequestPaths.Input == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "embedding_api.request_paths.input is required")
	case t.Embedding.ResponsePaths.DataList == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "embedding_api.response_paths.data_list is required")
	case t.Embedding.ResponsePaths.Embedding == "":
		return core.NewError(core.ErrInvalidTemplate, t.Provider, "embedding_api.response_paths.embedding is required")
	}
	return nil
}
