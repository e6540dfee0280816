package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

// DefaultRetryInterval is how long a kind that failed to load is left alone
// before Load reads it from disk again.
const DefaultRetryInterval = 30 * time.Second

// Provider is the read side of an artifact store. The ensemble depends on this
// interface so tests can substitute a Static provider.
type Provider interface {
	// Load returns the artifact of a kind, or an error wrapping ErrUnavailable.
	Load(kind Kind) (*Artifact, error)

	// AvailableKinds reports which kinds can currently be loaded, in Kinds order.
	AvailableKinds() []Kind

	// Metadata returns the accuracy record. ok is false if none was loaded.
	Metadata() (Metadata, bool)
}

// KindStatus describes the availability of one kind for display.
type KindStatus struct {
	Kind      Kind       `json:"kind"`
	Available bool       `json:"available"`
	Reason    string     `json:"reason,omitempty"`
	TrainedAt *time.Time `json:"trainedAt,omitempty"`
	LoadedAt  *time.Time `json:"loadedAt,omitempty"`
}

type entry struct {
	artifact *Artifact
	err      error
	loadedAt time.Time
}

// cache is published as a whole; it is never mutated after Store.state.Store.
type cache struct {
	entries  map[Kind]entry
	metadata *Metadata
	metaErr  error
}

// Store loads artifacts from a local directory and caches them for the
// process lifetime.
//
// Readers always see a fully constructed cache: every update builds a new
// cache value and publishes it with an atomic pointer swap. A kind that
// failed to load is re-attempted at most once per retry interval, so
// artifacts that appear after startup are picked up without a restart while
// the request path stays off the disk.
type Store struct {
	dir    string
	logger *slog.Logger
	retry  atomic.Int64 // time.Duration
	now    func() time.Time

	state atomic.Pointer[cache]
	group singleflight.Group
	mu    sync.Mutex // serializes copy-on-write publication
}

// NewStore creates a store rooted at dir and performs an initial load.
// A missing or empty directory is not an error.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dir: dir, logger: logger, now: time.Now}
	s.retry.Store(int64(DefaultRetryInterval))
	s.state.Store(&cache{entries: map[Kind]entry{}})
	s.Reload(context.Background())
	return s
}

// SetRetryInterval sets how often Load re-reads a kind that failed. Zero
// re-reads on every call.
func (s *Store) SetRetryInterval(d time.Duration) {
	s.retry.Store(int64(max(d, 0)))
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Reload re-reads every artifact and the metadata record, then publishes the
// result atomically. Concurrent calls share one reload.
func (s *Store) Reload(ctx context.Context) {
	_, _, _ = s.group.Do("reload", func() (any, error) {
		next := &cache{entries: make(map[Kind]entry, len(Kinds))}

		md, err := s.readMetadata()
		if err != nil {
			next.metaErr = err
			s.logger.Warn("model metadata unavailable", "dir", s.dir, "error", err)
		} else {
			next.metadata = md
		}

		for _, kind := range Kinds {
			if ctx.Err() != nil {
				next.entries[kind] = entry{err: fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())}
				continue
			}
			a, err := s.readArtifact(kind)
			next.entries[kind] = entry{artifact: a, err: err, loadedAt: s.now()}
			if err != nil {
				s.logger.Info("artifact unavailable", "kind", kind, "dir", s.dir, "error", err)
			} else {
				s.logger.Info("artifact loaded", "kind", kind, "trained_at", a.TrainedAt)
			}
		}

		s.mu.Lock()
		s.state.Store(next)
		s.mu.Unlock()
		return nil, nil
	})
}

// Load implements Provider.
func (s *Store) Load(kind Kind) (*Artifact, error) {
	if kind.FileName() == "" {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrUnavailable, kind)
	}

	if e, ok := s.state.Load().entries[kind]; ok {
		if e.artifact != nil {
			return e.artifact, nil
		}
		if e.err != nil && s.now().Sub(e.loadedAt) < time.Duration(s.retry.Load()) {
			return nil, e.err
		}
	}

	v, err, _ := s.group.Do("load:"+string(kind), func() (any, error) {
		a, err := s.readArtifact(kind)
		s.publish(kind, entry{artifact: a, err: err, loadedAt: s.now()})
		return a, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// AvailableKinds implements Provider.
func (s *Store) AvailableKinds() []Kind {
	kinds := make([]Kind, 0, len(Kinds))
	for _, kind := range Kinds {
		if _, err := s.Load(kind); err == nil {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Metadata implements Provider.
func (s *Store) Metadata() (Metadata, bool) {
	md := s.state.Load().metadata
	if md == nil {
		return Metadata{}, false
	}
	return *md, true
}

// Status reports per-kind availability from the current cache without
// touching the disk.
func (s *Store) Status() []KindStatus {
	c := s.state.Load()
	out := make([]KindStatus, 0, len(Kinds))
	for _, kind := range Kinds {
		st := KindStatus{Kind: kind}
		e, ok := c.entries[kind]
		switch {
		case !ok:
			st.Reason = "not loaded"
		case e.err != nil:
			st.Reason = e.err.Error()
		default:
			st.Available = true
			trained, loaded := e.artifact.TrainedAt, e.loadedAt
			st.TrainedAt, st.LoadedAt = &trained, &loaded
		}
		out = append(out, st)
	}
	return out
}

func (s *Store) publish(kind Kind, e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	next := &cache{
		entries:  make(map[Kind]entry, len(cur.entries)+1),
		metadata: cur.metadata,
		metaErr:  cur.metaErr,
	}
	for k, v := range cur.entries {
		next.entries[k] = v
	}
	next.entries[kind] = e
	s.state.Store(next)
}

func (s *Store) readArtifact(kind Kind) (*Artifact, error) {
	path := filepath.Join(s.dir, kind.FileName())

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, kind.FileName())
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, kind.FileName(), err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnavailable, kind.FileName())
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, kind.FileName(), err)
	}
	if a.Kind != kind {
		return nil, fmt.Errorf("%w: %s declares kind %q", ErrUnavailable, kind.FileName(), a.Kind)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, kind.FileName(), err)
	}
	return &a, nil
}

func (s *Store) readMetadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, MetadataFileName))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MetadataFileName, err)
	}
	return &md, nil
}
