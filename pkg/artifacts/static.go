package artifacts

import (
	"fmt"
)

// Static is an in-memory Provider with a fixed set of artifacts.
// It is used by tests and by callers that construct artifacts programmatically.
type Static struct {
	artifacts map[Kind]*Artifact
	metadata  *Metadata
}

// NewStatic returns a provider serving the given artifacts. A nil metadata
// means no accuracy record is available.
func NewStatic(metadata *Metadata, artifacts ...*Artifact) *Static {
	s := &Static{artifacts: make(map[Kind]*Artifact, len(artifacts)), metadata: metadata}
	for _, a := range artifacts {
		s.artifacts[a.Kind] = a
	}
	return s
}

// Load implements Provider.
func (s *Static) Load(kind Kind) (*Artifact, error) {
	a, ok := s.artifacts[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s not configured", ErrUnavailable, kind)
	}
	return a, nil
}

// AvailableKinds implements Provider.
func (s *Static) AvailableKinds() []Kind {
	out := make([]Kind, 0, len(s.artifacts))
	for _, kind := range Kinds {
		if _, ok := s.artifacts[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Metadata implements Provider.
func (s *Static) Metadata() (Metadata, bool) {
	if s.metadata == nil {
		return Metadata{}, false
	}
	return *s.metadata, true
}
