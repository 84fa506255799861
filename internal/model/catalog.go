// Package model defines the core domain types for Quorum.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Money is always integer cents; token prices are integer
// cents per million tokens so cost math stays exact.
package model

import "fmt"

// ModelID identifies a language model in the closed catalog.
// Adding a model is a catalog change, never a protocol change.
type ModelID string

const (
	ModelGPT5         ModelID = "gpt-5"
	ModelClaudeSonnet ModelID = "claude-sonnet-4-5"
	ModelGeminiPro    ModelID = "gemini-2.5-pro"
	ModelDeepSeek     ModelID = "deepseek-v3"
	ModelFlashLite    ModelID = "gemini-2.5-flash-lite"
)

// SummaryModel is the cheap utility model used for structured debate summaries.
const SummaryModel = ModelFlashLite

// AdjustmentModelID marks ledger adjustment events (re-up compensation).
// It is deliberately outside the catalog: it can never be invoked.
const AdjustmentModelID ModelID = "adjustment"

// AdjustmentProvider labels ledger adjustment events.
const AdjustmentProvider Provider = "quorum"

// Provider identifies the upstream vendor for a model.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderDeepSeek  Provider = "deepseek"
)

// Pricing holds per-million-token rates in integer cents.
// Reasoning tokens are billed at the output rate.
type Pricing struct {
	InputCentsPerM  int64 `json:"input_cents_per_m"`
	OutputCentsPerM int64 `json:"output_cents_per_m"`
}

// ModelInfo describes one catalog entry: capability flags plus pricing.
type ModelInfo struct {
	ID                ModelID  `json:"id"`
	Provider          Provider `json:"provider"`
	DisplayName       string   `json:"display_name"`
	SupportsFiles     bool     `json:"supports_files"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	Pricing           Pricing  `json:"pricing"`
}

// catalog is the closed set of models. Order matters for listing.
var catalog = []ModelInfo{
	{
		ID: ModelGPT5, Provider: ProviderOpenAI, DisplayName: "GPT-5",
		SupportsFiles: true, SupportsReasoning: true,
		Pricing: Pricing{InputCentsPerM: 125, OutputCentsPerM: 1000},
	},
	{
		ID: ModelClaudeSonnet, Provider: ProviderAnthropic, DisplayName: "Claude Sonnet 4.5",
		SupportsFiles: true, SupportsReasoning: true,
		Pricing: Pricing{InputCentsPerM: 300, OutputCentsPerM: 1500},
	},
	{
		ID: ModelGeminiPro, Provider: ProviderGoogle, DisplayName: "Gemini 2.5 Pro",
		SupportsFiles: true, SupportsReasoning: true,
		Pricing: Pricing{InputCentsPerM: 125, OutputCentsPerM: 1000},
	},
	{
		ID: ModelDeepSeek, Provider: ProviderDeepSeek, DisplayName: "DeepSeek V3",
		SupportsFiles: false, SupportsReasoning: false,
		Pricing: Pricing{InputCentsPerM: 27, OutputCentsPerM: 110},
	},
	{
		ID: ModelFlashLite, Provider: ProviderGoogle, DisplayName: "Gemini 2.5 Flash Lite",
		SupportsFiles: false, SupportsReasoning: false,
		Pricing: Pricing{InputCentsPerM: 10, OutputCentsPerM: 40},
	},
}

var catalogByID = func() map[ModelID]ModelInfo {
	m := make(map[ModelID]ModelInfo, len(catalog))
	for _, info := range catalog {
		m[info.ID] = info
	}
	return m
}()

// Lookup returns the catalog entry for id.
func Lookup(id ModelID) (ModelInfo, bool) {
	info, ok := catalogByID[id]
	return info, ok
}

// MustLookup returns the catalog entry for id, panicking on unknown ids.
// Only for use after ValidateModelID has accepted the id.
func MustLookup(id ModelID) ModelInfo {
	info, ok := catalogByID[id]
	if !ok {
		panic(fmt.Sprintf("model: unknown model id %q", id))
	}
	return info
}

// AllModels returns the catalog in listing order.
func AllModels() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}

// ValidateModelID rejects ids outside the closed catalog.
func ValidateModelID(id ModelID) error {
	if _, ok := catalogByID[id]; !ok {
		return fmt.Errorf("model: unknown model id %q", id)
	}
	return nil
}
