package boxes

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

var ErrInvalidProfile = errors.New("invalid box profile")

// Profile is a named, strictly ascending list of positive magnitudes.
type Profile struct {
	Name       string
	magnitudes []int
}

// Magnitudes returns a copy so callers cannot mutate the registry.
func (p Profile) Magnitudes() []int {
	out := make([]int, len(p.magnitudes))
	copy(out, p.magnitudes)
	return out
}

func (p Profile) Len() int { return len(p.magnitudes) }

// NewProfile validates magnitudes: non-empty, positive, strictly ascending.
func NewProfile(name string, magnitudes []int) (Profile, error) {
	if len(magnitudes) == 0 {
		return Profile{}, fmt.Errorf("%w: %q has no magnitudes", ErrInvalidProfile, name)
	}
	for i, m := range magnitudes {
		if m <= 0 {
			return Profile{}, fmt.Errorf("%w: %q magnitude %d is not positive", ErrInvalidProfile, name, m)
		}
		if i > 0 && m <= magnitudes[i-1] {
			return Profile{}, fmt.Errorf("%w: %q magnitudes not strictly ascending at %d", ErrInvalidProfile, name, m)
		}
	}
	ms := make([]int, len(magnitudes))
	copy(ms, magnitudes)
	return Profile{Name: name, magnitudes: ms}, nil
}

// Registry is the immutable set of profiles selectable by name.
type Registry struct {
	profiles map[string]Profile
}

// ParseRegistry decodes a YAML mapping of profile name -> magnitudes.
func ParseRegistry(data []byte) (*Registry, error) {
	raw := make(map[string][]int)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	r := &Registry{profiles: make(map[string]Profile, len(raw))}
	for name, ms := range raw {
		p, err := NewProfile(name, ms)
		if err != nil {
			return nil, err
		}
		r.profiles[name] = p
	}
	return r, nil
}

// DefaultRegistry returns the built-in profiles "1", "2", "3" and "d".
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultProfiles)
	if err != nil {
		panic(fmt.Sprintf("embedded box profiles: %v", err))
	}
	return r
}

func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidProfile, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
