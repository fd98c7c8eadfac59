package llm

import "distillo/internal/config"

// Preset names double as the persisted attempt labels.
const (
	PresetSchemaStrict  = "schema_strict"
	PresetSchemaRelaxed = "schema_relaxed"
	PresetJSONGuardrail = "json_object_guardrail"
	PresetJSONFallback  = "json_object_fallback"
)

// Preset binds sampling knobs to a response-format strategy. Schema presets
// pass the JSON schema on the wire; json_object presets embed it in the
// prompt as a guardrail and rely on json_object mode only.
type Preset struct {
	Name        string
	Temperature float64
	TopP        float64
	UseSchema   bool
	Strict      bool
}

// primaryCascade is the in-order preset ladder for the first model.
func primaryCascade(pc config.PresetConfig) []Preset {
	return []Preset{
		{Name: PresetSchemaStrict, Temperature: pc.TempStrict, TopP: pc.TopPStrict, UseSchema: true, Strict: true},
		{Name: PresetSchemaRelaxed, Temperature: pc.TempRelaxed, TopP: pc.TopPRelaxed, UseSchema: true},
		{Name: PresetJSONGuardrail, Temperature: pc.TempJSON, TopP: pc.TopPJSON},
	}
}

// fallbackCascade is what fallback models get: one conservative attempt,
// no wire schema, since fallback targets may not support structured outputs.
func fallbackCascade(pc config.PresetConfig) []Preset {
	return []Preset{
		{Name: PresetJSONFallback, Temperature: pc.TempJSON, TopP: pc.TopPJSON},
	}
}
