package strategy

import (
	"encoding/json"
	"fmt"
)

// Constructor builds a strategy instance from its raw JSON config.
type Constructor func(config json.RawMessage) (Strategy, error)

// Registry is the explicit strategy factory map injected into executors
// at construction time. There is no process-global registry; tests build
// their own.
type Registry map[string]Constructor

// NewRegistry returns the standard strategy set.
func NewRegistry() Registry {
	return Registry{
		"floor": func(raw json.RawMessage) (Strategy, error) {
			var cfg Config
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("floor config: %w", err)
			}
			return NewFloor(cfg)
		},
	}
}

// Build constructs the named strategy.
func (r Registry) Build(strategyType string, config json.RawMessage) (Strategy, error) {
	ctor, ok := r[strategyType]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", strategyType)
	}
	return ctor(config)
}
