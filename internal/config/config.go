package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/joho/godotenv"
)

// Store is a key/value provider partitioned into named sections, one per exchange adapter.
// It is read-mostly; Set is used for cache-style values such as the last used nonce.
type Store interface {
	Get(section, key string) (string, bool)
	Set(section, key, value string)
}

// Section is the view of a Store an adapter works with.
type Section struct {
	store Store
	name  string
}

func NewSection(store Store, name string) Section {
	if store == nil {
		store = NewMemoryStore()
	}
	return Section{store: store, name: name}
}

func (s Section) Name() string {
	return s.name
}

func (s Section) Get(key, fallback string) string {
	if v, ok := s.store.Get(s.name, key); ok {
		return v
	}
	return fallback
}

// Has reports whether key is set to a non-empty value.
func (s Section) Has(key string) bool {
	v, ok := s.store.Get(s.name, key)
	return ok && v != ""
}

func (s Section) GetInt(key string, fallback int64) (int64, error) {
	v, ok := s.store.Get(s.name, key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("config %s.%s: %w", s.name, key, err)
	}
	return n, nil
}

func (s Section) Set(key, value string) {
	s.store.Set(s.name, key, value)
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

func (m *MemoryStore) Get(section, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[section][key]
	return v, ok
}

func (m *MemoryStore) Set(section, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[section] == nil {
		m.values[section] = make(map[string]string)
	}
	m.values[section][key] = value
}

// EnvStore reads settings from dotenv files and the process environment. A setting lives in
// the variable <SECTION>_<KEY>, for example KRAKEN_APIKEY. Written values are kept in memory.
type EnvStore struct {
	file    map[string]string
	overlay *MemoryStore
	lookup  func(string) (string, bool)
}

// LoadEnv reads the given dotenv files. Missing files are an error; with no files only the
// process environment is used.
func LoadEnv(files ...string) (*EnvStore, error) {
	values := map[string]string{}
	if len(files) > 0 {
		var err error
		values, err = godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("error reading env files: %w", err)
		}
	}
	return &EnvStore{
		file:    values,
		overlay: NewMemoryStore(),
		lookup:  os.LookupEnv,
	}, nil
}

func (e *EnvStore) Get(section, key string) (string, bool) {
	if v, ok := e.overlay.Get(section, key); ok {
		return v, true
	}
	name := EnvName(section, key)
	if v, ok := e.lookup(name); ok {
		return v, true
	}
	v, ok := e.file[name]
	return v, ok
}

func (e *EnvStore) Set(section, key, value string) {
	e.overlay.Set(section, key, value)
}

// EnvName returns the variable name holding key of section.
func EnvName(section, key string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToUpper(r)
			}
			return '_'
		}, s)
	}
	return clean(section) + "_" + clean(key)
}
