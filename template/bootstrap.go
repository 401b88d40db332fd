package template

import "path/filepath"

// Starter templates written by Bootstrap. They carry the wire knowledge for
// the two dominant provider shapes; hosts add further providers by dropping
// template files next to them.
var starterTemplates = map[string]string{
	chatTemplatePrefix + "openai" + jsonSuffix: `{
  "provider": "openai",
  "http": {
    "auth_header": "Authorization",
    "auth_scheme": "Bearer"
  },
  "chat_api": {
    "endpoint": "https://api.openai.com/v1/chat/completions",
    "default_model": "gpt-4o-mini",
    "default_parameters": {
      "temperature": 0.7,
      "max_tokens": 1024
    },
    "request_paths": {
      "model": "model",
      "messages": "messages",
      "temperature": "temperature",
      "top_p": "top_p",
      "max_tokens": "max_tokens",
      "stream": "stream",
      "tools": "tools",
      "tool_choice": "tool_choice"
    },
    "response_paths": {
      "choices": "choices",
      "content": "message.content",
      "tool_calls": "message.tool_calls",
      "finish_reason": "finish_reason"
    },
    "json_mode": {
      "path": "response_format",
      "value": {"type": "json_object"}
    }
  }
}
`,
	embeddingTemplatePrefix + "openai" + jsonSuffix: `{
  "provider": "openai",
  "http": {
    "auth_header": "Authorization",
    "auth_scheme": "Bearer"
  },
  "embedding_api": {
    "endpoint": "https://api.openai.com/v1/embeddings",
    "default_model": "text-embedding-3-small",
    "max_batch_size": 100,
    "request_paths": {
      "model": "model",
      "input": "input"
    },
    "response_paths": {
      "data_list": "data",
      "embedding": "embedding",
      "index": "index"
    }
  }
}
`,
	chatTemplatePrefix + "anthropic" + jsonSuffix: `{
  "provider": "anthropic",
  "http": {
    "auth_header": "x-api-key",
    "headers": {
      "anthropic-version": "2023-06-01"
    }
  },
  "chat_api": {
    "endpoint": "https://api.anthropic.com/v1/messages",
    "default_model": "claude-3-5-haiku-latest",
    "default_parameters": {
      "max_tokens": 1024
    },
    "request_paths": {
      "model": "model",
      "messages": "messages",
      "temperature": "temperature",
      "top_p": "top_p",
      "max_tokens": "max_tokens",
      "stream": "stream",
      "tools": "tools"
    },
    "response_paths": {
      "choices": "content",
      "content": "text",
      "finish_reason": "stop_reason"
    }
  }
}
`,
}

// Bootstrap writes the starter templates into an empty config root. A root
// that already holds any template is left untouched.
func (s *Store) Bootstrap() error {
	if len(s.ChatProviderIDs()) > 0 || len(s.EmbeddingProviderIDs()) > 0 {
		return nil
	}
	for name, body := range starterTemplates {
		if err := s.fs.WriteFile(filepath.Join(s.root, name), []byte(body)); err != nil {
			return err
		}
	}
	return s.Reload()
}
