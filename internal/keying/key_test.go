package keying

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsDeterministicUpToKeyOrder(t *testing.T) {
	a := map[string]any{"limit": 1000, "mode": "fast"}
	b := map[string]any{"mode": "fast", "limit": 1000}
	assert.Equal(t, Derive("primes", a, nil), Derive("primes", b, nil))
}

func TestDeriveIgnoresDollarPrefixedKeys(t *testing.T) {
	withHint := map[string]any{"limit": 1000, "$force": true}
	without := map[string]any{"limit": 1000}
	assert.Equal(t, Derive("primes", without, nil), Derive("primes", withHint, nil))
}

func TestDeriveEmptySettingsIsJustID(t *testing.T) {
	assert.Equal(t, "primes", Derive("primes", nil, nil))
	assert.Equal(t, "primes", Derive("primes", map[string]any{"$onlyHints": 1}, nil))
}

func TestDeriveDifferentSettingsDifferentKey(t *testing.T) {
	a := Derive("primes", map[string]any{"limit": 1000}, nil)
	b := Derive("primes", map[string]any{"limit": 2000}, nil)
	assert.NotEqual(t, a, b)
}

func TestDeriveAppliesRewrite(t *testing.T) {
	rewritten := Derive("primes", nil, func(k string) string { return "prefix-" + k })
	assert.Equal(t, "prefix-primes", rewritten)
}

func TestDeriveNestedMapsAreOrderInsensitive(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"outer": map[string]any{"a": 2, "b": 1}}
	assert.Equal(t, Derive("agent", a, nil), Derive("agent", b, nil))
}
