package httpse

import (
	"fmt"
	"sync"
)

// Storage is the key-value persistence engine supplied by the host
// application (browser storage, a settings file, plain memory).
// Implementations must be safe for concurrent use.
type Storage interface {
	GetBool(key string) (value bool, ok bool)
	SetBool(key string, value bool)
	GetInt(key string) (value int, ok bool)
	SetInt(key string, value int)
	GetString(key string) (value string, ok bool)
	SetString(key string, value string)
}

// Recognized settings keys.
const (
	keyGlobalEnabled = "global_enabled"
	keyHTTPNowhereOn = "http_nowhere_on"

	rulesetActiveKeyPrefix = "ruleset_active: "
)

func rulesetActiveKey(name string) string {
	return rulesetActiveKeyPrefix + name
}

// Settings is a high-level facade over Storage for the flags the rewriter
// consults: the global kill switch, EASE mode, and per-ruleset overrides.
type Settings struct {
	storage Storage
}

func NewSettings(storage Storage) *Settings {
	return &Settings{storage: storage}
}

// GlobalEnabledOr returns whether rewriting is enabled at all, or def when
// the flag was never set.
func (s *Settings) GlobalEnabledOr(def bool) bool {
	if v, ok := s.storage.GetBool(keyGlobalEnabled); ok {
		return v
	}
	return def
}

func (s *Settings) SetGlobalEnabled(value bool) {
	s.storage.SetBool(keyGlobalEnabled, value)
}

// EaseModeEnabledOr returns whether EASE ("Encrypt All Sites Eligible")
// mode is on, or def when the flag was never set. In EASE mode plain-http
// requests with no applicable rewrite are cancelled outright.
func (s *Settings) EaseModeEnabledOr(def bool) bool {
	if v, ok := s.storage.GetBool(keyHTTPNowhereOn); ok {
		return v
	}
	return def
}

func (s *Settings) SetEaseModeEnabled(value bool) {
	s.storage.SetBool(keyHTTPNowhereOn, value)
}

// RulesetActive returns the user's override for the named ruleset, if any.
func (s *Settings) RulesetActive(name string) (active bool, ok bool) {
	return s.storage.GetBool(rulesetActiveKey(name))
}

// SetRulesetActive records a user override enabling or disabling one
// ruleset by name, trumping its default_off state.
func (s *Settings) SetRulesetActive(name string, active bool) {
	s.storage.SetBool(rulesetActiveKey(name), active)
}

// MemStorage is an in-process Storage for embedding, bundled-corpus
// bootstrapping and tests.
type MemStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{values: make(map[string]string)}
}

func (m *MemStorage) GetBool(key string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v == "true", ok
}

func (m *MemStorage) SetBool(key string, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = fmt.Sprintf("%t", value)
}

func (m *MemStorage) GetInt(key string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func (m *MemStorage) SetInt(key string, value int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = fmt.Sprintf("%d", value)
}

func (m *MemStorage) GetString(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemStorage) SetString(key string, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}
