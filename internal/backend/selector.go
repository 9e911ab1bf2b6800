package backend

import (
	"errors"
	"fmt"
	"log"

	"github.com/yo-labs/yo/internal/config"
)

type TaskType string

const (
	TaskChat      TaskType = "chat"
	TaskEmbedding TaskType = "embedding"
)

const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// ErrNoBackendAvailable is fatal for the request: the delivery path surfaces
// it as an error reply rather than retrying.
var ErrNoBackendAvailable = errors.New("no model backend is available")

// providerFallbackOrder is the static global priority used when the
// configured provider is unavailable.
var providerFallbackOrder = []string{ProviderOllama, ProviderGemini}

var fallbackDefaults = map[TaskType]map[string]string{
	TaskChat: {
		ProviderOllama: "llama3",
		ProviderGemini: "gemini-1.5-flash-latest",
	},
	TaskEmbedding: {
		ProviderOllama: "nomic-embed-text",
		ProviderGemini: "text-embedding-004",
	},
}

// ModelSelection is the immutable result of backend resolution, recomputed
// per call.
type ModelSelection struct {
	Task      TaskType `json:"task"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Spec      string   `json:"spec"`
	Namespace string   `json:"namespace"`
	Source    string   `json:"source"`
	Fallback  bool     `json:"fallback"`
	Reason    string   `json:"reason,omitempty"`
}

// SelectOptions carries caller overrides, which take precedence over
// namespace and environment configuration.
type SelectOptions struct {
	Namespace string
	ModelSpec string
}

// SelectModel resolves the provider and model for a task. Precedence:
// caller override > namespace override > environment > default. When the
// resolved provider is unavailable the static fallback order is consulted.
func SelectModel(task TaskType, cfg *config.Config, backends Summary, opts SelectOptions) (ModelSelection, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = cfg.Namespace
	}

	spec, source := resolveSpec(task, cfg, namespace, opts)
	provider, model := config.ParseModelSpec(spec)

	if backends.available(provider) {
		selection := ModelSelection{
			Task:      task,
			Provider:  provider,
			Model:     model,
			Spec:      spec,
			Namespace: namespace,
			Source:    source,
		}
		log.Printf("Selected %s model %s (source=%s)", task, selection.Spec, source)
		return selection, nil
	}

	reason := fmt.Sprintf("provider %q is unavailable", provider)
	order := append([]string{provider}, providerFallbackOrder...)
	seen := map[string]bool{}
	for _, candidate := range order {
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		if !backends.available(candidate) {
			continue
		}
		fallbackModel := fallbackDefaults[task][candidate]
		selection := ModelSelection{
			Task:      task,
			Provider:  candidate,
			Model:     fallbackModel,
			Spec:      candidate + ":" + fallbackModel,
			Namespace: namespace,
			Source:    "fallback:" + candidate,
			Fallback:  true,
			Reason:    reason,
		}
		log.Printf("Falling back to %s model %s: %s", task, selection.Spec, reason)
		return selection, nil
	}

	return ModelSelection{}, fmt.Errorf("%w for task %s (wanted %s)", ErrNoBackendAvailable, task, spec)
}

func resolveSpec(task TaskType, cfg *config.Config, namespace string, opts SelectOptions) (spec, source string) {
	switch task {
	case TaskEmbedding:
		spec = cfg.EmbedModelSpec
		source = cfg.Sources["embed_model"]
	default:
		spec = cfg.ChatModelSpec
		source = cfg.Sources["model"]
	}

	if override, ok := cfg.NamespaceOverrides[namespace]; ok {
		if task == TaskEmbedding && override.EmbedModel != "" {
			spec = override.EmbedModel
			source = "namespace:" + namespace
		}
		if task == TaskChat && override.Model != "" {
			spec = override.Model
			source = "namespace:" + namespace
		}
	}

	if opts.ModelSpec != "" {
		spec = opts.ModelSpec
		source = "cli"
	}
	return spec, source
}
