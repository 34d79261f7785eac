package unifiedllm

// ModelInfo is what the engine needs to know about a model: where it is
// served and how much transcript fits in one request.
type ModelInfo struct {
	ID            string
	Provider      string
	ContextWindow int
	MaxOutput     int
	// NativeTools is true when the provider streams structured tool calls;
	// other models are driven through fenced tool blocks in text.
	NativeTools bool
	Aliases     []string
}

// DefaultContextWindow is assumed when neither the model nor its provider
// is known.
const DefaultContextWindow = 128000

// Models lists the models with known limits, newest first per provider.
var Models = []ModelInfo{
	{ID: "claude-opus-4-6", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32768, NativeTools: true, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 16384, NativeTools: true, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 8192, NativeTools: true, Aliases: []string{"haiku"}},

	{ID: "gpt-5.2", Provider: "openai", ContextWindow: 400000, MaxOutput: 32768, NativeTools: true, Aliases: []string{"gpt5"}},
	{ID: "gpt-5.2-codex", Provider: "openai", ContextWindow: 400000, MaxOutput: 32768, NativeTools: true, Aliases: []string{"codex"}},
	{ID: "gpt-5.2-mini", Provider: "openai", ContextWindow: 400000, MaxOutput: 16384, NativeTools: true},

	{ID: "gemini-3-pro-preview", Provider: "gemini", ContextWindow: 1048576, MaxOutput: 65536, NativeTools: true, Aliases: []string{"gemini-pro"}},
	{ID: "gemini-3-flash-preview", Provider: "gemini", ContextWindow: 1048576, MaxOutput: 65536, NativeTools: true, Aliases: []string{"gemini-flash"}},

	{ID: "qwen2.5-coder", Provider: "ollama", ContextWindow: 32768, MaxOutput: 8192},
}

// providerWindows are used for models the catalog does not list.
var providerWindows = map[string]int{
	"anthropic":  200000,
	"openai":     128000,
	"gemini":     1048576,
	"mistral":    128000,
	"groq":       128000,
	"openrouter": 128000,
	"ollama":     8192,
}

// Lookup returns the catalog entry for a model id or alias, or nil.
func Lookup(model string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == model {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == model {
				return &Models[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the newest catalog model for provider, or nil.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// ContextWindow returns the context window in tokens for a provider/model
// pair. A model listed under another provider is treated as unknown, and
// unknown models get their provider's typical window.
func ContextWindow(provider, model string) int {
	if info := Lookup(model); info != nil && info.ContextWindow > 0 {
		if provider == "" || info.Provider == provider {
			return info.ContextWindow
		}
	}
	if n, ok := providerWindows[provider]; ok {
		return n
	}
	return DefaultContextWindow
}
