package utils

import (
	"errors"
	"fmt"
	"modlog-bot/model"
	"strings"
)

var ErrInvalidCommandToken = errors.New("invalid command token")

var scopeAliases = map[string]model.CommandScope{
	"prefix": model.ScopePrefix,
	"text":   model.ScopePrefix,
	"slash":  model.ScopeSlash,
	"app":    model.ScopeSlash,
	"any":    model.ScopeAny,
	"both":   model.ScopeAny,
}

// NormalizeCommandToken turns user input such as "slash:Ban", "/ban" or "ban"
// into a CommandKey. Tokens without a scope get the "any" scope.
func NormalizeCommandToken(raw string) (model.CommandKey, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return model.CommandKey{}, fmt.Errorf("%w: empty", ErrInvalidCommandToken)
	}

	scope := model.ScopeAny
	name := raw
	if prefix, rest, found := strings.Cut(raw, ":"); found {
		s, ok := scopeAliases[strings.TrimSpace(prefix)]
		if !ok {
			return model.CommandKey{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidCommandToken, prefix)
		}
		scope = s
		name = rest
	} else if strings.HasPrefix(raw, "/") {
		scope = model.ScopeSlash
	}

	name = strings.Join(strings.Fields(strings.TrimLeft(strings.TrimSpace(name), "/")), " ")
	if name == "" {
		return model.CommandKey{}, fmt.Errorf("%w: %q has no command name", ErrInvalidCommandToken, raw)
	}
	if strings.ContainsAny(name, ":*?[]") {
		return model.CommandKey{}, fmt.Errorf("%w: %q contains reserved characters", ErrInvalidCommandToken, raw)
	}
	return model.CommandKey{Scope: scope, Name: name}, nil
}

// ExpandCommandScopes returns the key under every scope. Revocation uses it so
// a grant is removed whichever scope it was stored with.
func ExpandCommandScopes(key model.CommandKey) []model.CommandKey {
	keys := make([]model.CommandKey, 0, len(model.AllCommandScopes))
	for _, s := range model.AllCommandScopes {
		keys = append(keys, model.CommandKey{Scope: s, Name: key.Name})
	}
	return keys
}
