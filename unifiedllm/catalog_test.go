package unifiedllm

import "testing"

func TestLookup(t *testing.T) {
	info := Lookup("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected to find claude-opus-4-6")
	}
	if info.Provider != "anthropic" || info.ContextWindow != 200000 {
		t.Errorf("unexpected entry: %+v", info)
	}

	info = Lookup("sonnet")
	if info == nil || info.ID != "claude-sonnet-4-5" {
		t.Fatalf("alias lookup = %+v", info)
	}

	if info := Lookup("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %+v", info)
	}
}

func TestDefaultModel(t *testing.T) {
	if info := DefaultModel("anthropic"); info == nil || info.ID != "claude-opus-4-6" {
		t.Errorf("anthropic default = %+v", info)
	}
	if info := DefaultModel("nonexistent"); info != nil {
		t.Errorf("expected nil for unknown provider, got %+v", info)
	}
}

func TestCatalogEntriesComplete(t *testing.T) {
	seen := make(map[string]bool)
	for _, m := range Models {
		if m.ID == "" || m.Provider == "" {
			t.Errorf("incomplete entry %+v", m)
		}
		if m.ContextWindow <= 0 || m.MaxOutput <= 0 {
			t.Errorf("model %q: limits must be positive", m.ID)
		}
		for _, name := range append([]string{m.ID}, m.Aliases...) {
			if seen[name] {
				t.Errorf("name %q is listed twice", name)
			}
			seen[name] = true
		}
	}
}

func TestContextWindow(t *testing.T) {
	tests := []struct {
		provider, model string
		want            int
	}{
		{"anthropic", "claude-sonnet-4-5", 200000},
		{"", "sonnet", 200000},
		{"openai", "claude-sonnet-4-5", 128000},
		{"ollama", "llama-unknown", 8192},
		{"local", "llama-unknown", DefaultContextWindow},
	}
	for _, tt := range tests {
		if got := ContextWindow(tt.provider, tt.model); got != tt.want {
			t.Errorf("ContextWindow(%q, %q) = %d, want %d", tt.provider, tt.model, got, tt.want)
		}
	}
}
