package config

import (
	"maps"
	"slices"

	"github.com/danmuck/regsync/internal/condition"
)

// ConditionContext is what entry conditions see during a reload.
func (c Config) ConditionContext() condition.Context {
	return condition.Context{
		Loaded: slices.Clone(c.Loaded),
		Flags:  maps.Clone(c.Flags),
		Vars:   maps.Clone(c.Vars),
	}
}
