// Package profile loads the account profile store: the mapping from account
// name to its optional group. The engine only ever reads it; profiles are
// provisioned by the browser-automation layer's own tooling.
package profile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Profile describes one automation account.
type Profile struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group,omitempty"`
}

type fileSchema struct {
	Accounts []Profile `yaml:"accounts"`
}

// Store is an immutable, case-insensitive index over the profile file.
type Store struct {
	byName map[string]Profile  // lower(name) -> profile
	groups map[string][]string // lower(group) -> member names, sorted
}

// Load reads the YAML profile file at path.
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse builds a Store from raw YAML bytes.
func Parse(b []byte) (*Store, error) {
	var f fileSchema
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}

	s := &Store{
		byName: make(map[string]Profile, len(f.Accounts)),
		groups: make(map[string][]string),
	}
	for _, p := range f.Accounts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := s.byName[key]; dup {
			return nil, fmt.Errorf("profiles: duplicate account %q", name)
		}
		p.Name = name
		p.Group = strings.TrimSpace(p.Group)
		s.byName[key] = p
		if p.Group != "" {
			gk := strings.ToLower(p.Group)
			s.groups[gk] = append(s.groups[gk], name)
		}
	}
	for _, members := range s.groups {
		sort.Strings(members)
	}
	return s, nil
}

// Lookup finds a profile by account name, case-insensitively.
func (s *Store) Lookup(account string) (Profile, bool) {
	p, ok := s.byName[strings.ToLower(strings.TrimSpace(account))]
	return p, ok
}

// GroupOf returns the group an account belongs to, if any.
func (s *Store) GroupOf(account string) (string, bool) {
	p, ok := s.Lookup(account)
	if !ok || p.Group == "" {
		return "", false
	}
	return p.Group, true
}

// Members lists a group's account names sorted alphabetically.
func (s *Store) Members(group string) []string {
	return s.groups[strings.ToLower(strings.TrimSpace(group))]
}

// Rank returns the 1-based position of an account among its group's members
// sorted by name. Accounts without a group have no rank.
func (s *Store) Rank(account string) (int, bool) {
	p, ok := s.Lookup(account)
	if !ok || p.Group == "" {
		return 0, false
	}
	for i, name := range s.Members(p.Group) {
		if strings.EqualFold(name, p.Name) {
			return i + 1, true
		}
	}
	return 0, false
}

// Len reports the number of loaded profiles.
func (s *Store) Len() int { return len(s.byName) }
