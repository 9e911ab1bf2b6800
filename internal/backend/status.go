package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BackendStatus describes the availability of one provider.
type BackendStatus struct {
	Available bool   `json:"available"`
	Message   string `json:"detail"`
	Version   string `json:"version,omitempty"`
}

// Summary aggregates provider availability for one request. It is re-probed
// per request rather than cached, since availability can change between calls.
type Summary struct {
	Ollama BackendStatus `json:"ollama"`
	Gemini BackendStatus `json:"gemini"`
}

func (s Summary) available(provider string) bool {
	switch provider {
	case ProviderOllama:
		return s.Ollama.Available
	case ProviderGemini:
		return s.Gemini.Available
	}
	return false
}

// Prober produces an availability snapshot. Tests substitute stub probers.
type Prober interface {
	Detect() Summary
}

// HTTPProber checks Ollama over its version endpoint and treats Gemini as
// available whenever an API key is configured.
type HTTPProber struct {
	OllamaHost   string
	GeminiAPIKey string
	Client       *http.Client
}

func NewHTTPProber(ollamaHost, geminiAPIKey string) *HTTPProber {
	return &HTTPProber{
		OllamaHost:   ollamaHost,
		GeminiAPIKey: geminiAPIKey,
		Client:       &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProber) Detect() Summary {
	return Summary{
		Ollama: p.probeOllama(),
		Gemini: p.probeGemini(),
	}
}

func (p *HTTPProber) probeOllama() BackendStatus {
	url := strings.TrimRight(p.OllamaHost, "/") + "/api/version"
	resp, err := p.Client.Get(url)
	if err != nil {
		return BackendStatus{
			Available: false,
			Message:   fmt.Sprintf("Ollama is not reachable at %s: %v", p.OllamaHost, err),
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BackendStatus{
			Available: false,
			Message:   fmt.Sprintf("Ollama returned HTTP %d from %s", resp.StatusCode, url),
		}
	}

	var payload struct {
		Version string `json:"version"`
	}
	detail := "Ollama runtime detected."
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Version != "" {
		detail = fmt.Sprintf("Ollama runtime detected. (version %s)", payload.Version)
	}
	return BackendStatus{Available: true, Message: detail, Version: payload.Version}
}

func (p *HTTPProber) probeGemini() BackendStatus {
	if p.GeminiAPIKey == "" {
		return BackendStatus{
			Available: false,
			Message:   "Set GEMINI_API_KEY to enable the Gemini backend.",
		}
	}
	return BackendStatus{Available: true, Message: "Gemini API key configured."}
}
