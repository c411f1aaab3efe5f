package models

// Engine identifies one of the three upstream analysis engines.
type Engine string

// Engine constants.
const (
	EngineInsight Engine = "insight"
	EngineMedia   Engine = "media"
	EngineQuery   Engine = "query"
)

// Engines lists all upstream engines in canonical order.
func Engines() []Engine {
	return []Engine{EngineInsight, EngineMedia, EngineQuery}
}

// Valid reports whether e names a known engine.
func (e Engine) Valid() bool {
	switch e {
	case EngineInsight, EngineMedia, EngineQuery:
		return true
	}
	return false
}

// Tag returns the upper-case forum tag for the engine.
func (e Engine) Tag() string {
	switch e {
	case EngineInsight:
		return "INSIGHT"
	case EngineMedia:
		return "MEDIA"
	case EngineQuery:
		return "QUERY"
	}
	return "SYSTEM"
}

// EngineReport is an upstream engine's narrative output, tagged by engine.
// The body is opaque text as far as the orchestration core is concerned.
type EngineReport struct {
	Engine Engine `json:"engine"`
	Body   string `json:"body"`
}
