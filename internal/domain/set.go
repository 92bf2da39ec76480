// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"sort"
)

// StringSet gives asset-id membership true set semantics instead of
// filter/concat over arrays. It marshals as a sorted JSON array so the
// stored form is stable.
type StringSet map[string]struct{}

func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

func (s StringSet) Add(v string) {
	s[v] = struct{}{}
}

func (s StringSet) Remove(v string) {
	delete(s, v)
}

func (s StringSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// Toggle flips membership and reports whether v is present afterwards.
func (s StringSet) Toggle(v string) bool {
	if s.Contains(v) {
		s.Remove(v)
		return false
	}
	s.Add(v)
	return true
}

func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}
