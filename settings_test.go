package httpse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsDefaults(t *testing.T) {
	s := NewSettings(NewMemStorage())

	assert.True(t, s.GlobalEnabledOr(true))
	assert.False(t, s.GlobalEnabledOr(false))
	assert.False(t, s.EaseModeEnabledOr(false))
	_, ok := s.RulesetActive("anything")
	assert.False(t, ok)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := NewSettings(NewMemStorage())

	s.SetGlobalEnabled(false)
	assert.False(t, s.GlobalEnabledOr(true))

	s.SetEaseModeEnabled(true)
	assert.True(t, s.EaseModeEnabledOr(false))

	s.SetRulesetActive("RabbitMQ", false)
	active, ok := s.RulesetActive("RabbitMQ")
	assert.True(t, ok)
	assert.False(t, active)
}

func TestMemStorage(t *testing.T) {
	m := NewMemStorage()

	_, ok := m.GetInt("missing")
	assert.False(t, ok)

	m.SetInt("n", 42)
	n, ok := m.GetInt("n")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	m.SetString("s", "hello")
	s, ok := m.GetString("s")
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	m.SetBool("b", true)
	b, ok := m.GetBool("b")
	assert.True(t, ok)
	assert.True(t, b)
}
