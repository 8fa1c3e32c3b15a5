package artifact

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"apkforge/internal/logging"
)

// ReasonInterrupted is recorded for artifacts that were mid-stage when the
// process stopped.
const ReasonInterrupted = "interrupted by restart"

// Journal receives every committed artifact snapshot. Implementations upsert
// by id. A journal error is logged and never rolls back the in-memory change.
type Journal interface {
	Record(a Artifact) error
}

// Option configures a Store.
type Option func(*Store)

// WithJournal attaches write-through persistence.
func WithJournal(j Journal) Option {
	return func(s *Store) {
		s.journal = j
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator overrides id assignment.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// record is the live, lockable form of an artifact.
type record struct {
	mu sync.Mutex
	a  Artifact
}

// Store tracks every artifact by id.
//
// The index is guarded by an RWMutex; each record has its own mutex so that
// transitions on one id are serialized while different ids proceed in
// parallel.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record

	journal Journal
	now     func() time.Time
	newID   func() string
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*record),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a newly uploaded package in the Uploaded state.
func (s *Store) Create(originalFilename, uploadPath string, opts ...CreateOption) (Artifact, error) {
	if originalFilename == "" {
		return Artifact{}, fmt.Errorf("original filename is required")
	}
	if uploadPath == "" {
		return Artifact{}, fmt.Errorf("upload path is required")
	}

	now := s.now().UTC()
	a := Artifact{
		ID:               s.newID(),
		OriginalFilename: originalFilename,
		UploadPath:       uploadPath,
		State:            StateUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, opt := range opts {
		opt(&a)
	}

	s.mu.Lock()
	if _, exists := s.records[a.ID]; exists {
		s.mu.Unlock()
		return Artifact{}, fmt.Errorf("artifact id %s already exists", a.ID)
	}
	rec := &record{a: a}
	// Hold the record lock across publication so the journal sees Create first.
	rec.mu.Lock()
	s.records[a.ID] = rec
	s.mu.Unlock()
	defer rec.mu.Unlock()

	s.persist(a)
	logging.Store("Artifact %s created for %s", a.ID, originalFilename)
	return a.clone(), nil
}

// Get returns a snapshot of the artifact with the given id.
func (s *Store) Get(id string) (Artifact, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Artifact{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.a.clone(), nil
}

// List returns snapshots of every artifact, oldest first.
func (s *Store) List() []Artifact {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]Artifact, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.a.clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Advance moves the artifact to newState, which must be the single legal
// successor of its current state. A rejected transition leaves the record
// untouched.
func (s *Store) Advance(id string, newState State, fields Fields) (Artifact, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Artifact{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := rec.a.State
	reject := func(reason string) (Artifact, error) {
		logging.StoreDebug("Rejected transition for %s: %s -> %s (%s)", id, cur, newState, reason)
		return Artifact{}, &TransitionError{ID: id, From: cur, To: newState, Reason: reason}
	}

	next, ok := cur.Next()
	if !ok {
		return reject("no transition leaves " + cur.String())
	}
	if next != newState {
		return reject("next state is " + next.String())
	}

	leavingDecompiling := cur == StateDecompiling
	switch {
	case leavingDecompiling && fields.OutputDir == "":
		return reject("output dir is required when leaving Decompiling")
	case !leavingDecompiling && fields.OutputDir != "":
		return reject("output dir may only be set when leaving Decompiling")
	case leavingDecompiling && rec.a.OutputDir != "":
		return reject("output dir already set")
	}

	enteringInjected := newState == StateFeatureInjected
	switch {
	case enteringInjected && fields.SourcePath == "":
		return reject("source path is required when entering FeatureInjected")
	case !enteringInjected && fields.SourcePath != "":
		return reject("source path may only be set when entering FeatureInjected")
	}
	if fields.Feature != "" && !enteringInjected {
		return reject("features are recorded on entering FeatureInjected or via RecordFeature")
	}

	a := rec.a.clone()
	a.State = newState
	if fields.OutputDir != "" {
		a.OutputDir = fields.OutputDir
	}
	if fields.SourcePath != "" {
		a.SourcePath = fields.SourcePath
	}
	if fields.Feature != "" {
		a.Features = append(a.Features, fields.Feature)
	}
	a.UpdatedAt = s.now().UTC()
	rec.a = a

	s.persist(a)
	logging.Store("Artifact %s: %s -> %s", id, cur, newState)
	return a.clone(), nil
}

// RecordFeature appends a feature name to an artifact already in
// FeatureInjected, without changing its state.
func (s *Store) RecordFeature(id, feature string) (Artifact, error) {
	if feature == "" {
		return Artifact{}, fmt.Errorf("feature name is required")
	}
	rec, err := s.lookup(id)
	if err != nil {
		return Artifact{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.a.State != StateFeatureInjected {
		return Artifact{}, &TransitionError{
			ID: id, From: rec.a.State, To: rec.a.State,
			Reason: "features can only be added in FeatureInjected",
		}
	}

	a := rec.a.clone()
	a.Features = append(a.Features, feature)
	a.UpdatedAt = s.now().UTC()
	rec.a = a

	s.persist(a)
	logging.StoreDebug("Artifact %s: recorded feature %q", id, feature)
	return a.clone(), nil
}

// Fail moves the artifact to Failed with the given reason. Failing an
// artifact that has already failed is a no-op that keeps the first reason.
func (s *Store) Fail(id, reason string) (Artifact, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Artifact{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.a.State == StateFailed {
		return rec.a.clone(), nil
	}

	from := rec.a.State
	a := rec.a.clone()
	a.State = StateFailed
	a.FailureReason = reason
	a.UpdatedAt = s.now().UTC()
	rec.a = a

	s.persist(a)
	logging.Get(logging.CategoryStore).Warn("Artifact %s failed in %s: %s", id, from, reason)
	return a.clone(), nil
}

// Restore loads previously journaled artifacts into an empty store. Records
// caught in Decompiling or Rebuilding are failed with ReasonInterrupted,
// since the process that owned their tool invocation is gone. It returns the
// number of such recovered records.
func (s *Store) Restore(artifacts []Artifact) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range artifacts {
		if a.ID == "" {
			return 0, fmt.Errorf("restore: artifact without id")
		}
		if !a.State.Valid() {
			return 0, fmt.Errorf("restore: artifact %s has unknown state %q", a.ID, a.State)
		}
		if _, exists := s.records[a.ID]; exists {
			return 0, fmt.Errorf("restore: artifact %s already present", a.ID)
		}
	}

	interrupted := 0
	for _, a := range artifacts {
		a = a.clone()
		if a.State.InFlight() {
			a.State = StateFailed
			a.FailureReason = ReasonInterrupted
			a.UpdatedAt = s.now().UTC()
			s.persist(a)
			interrupted++
		}
		s.records[a.ID] = &record{a: a}
	}

	logging.Store("Restored %d artifacts (%d interrupted)", len(artifacts), interrupted)
	return interrupted, nil
}

// Len returns the number of tracked artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// persist must be called with the record's lock held so journal writes for
// one id are ordered.
func (s *Store) persist(a Artifact) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(a.clone()); err != nil {
		logging.Get(logging.CategoryStore).Error("Journal write for artifact %s failed: %v", a.ID, err)
	}
}
