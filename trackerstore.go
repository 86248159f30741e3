package colloquy

import "sync"

// TrackerStore hands out per-sender session state.
// Implementations must be safe for concurrent use.
type TrackerStore interface {
	// GetOrCreate returns the sender's tracker, creating one from the
	// bot's argument template on first contact.
	GetOrCreate(sender, botName string, argsTemplate map[string][]string, globals []string) (*Tracker, error)
	// Retrieve returns an existing tracker or nil.
	Retrieve(sender string) (*Tracker, error)
	// Save persists the tracker after a turn. In-memory stores no-op.
	Save(tr *Tracker) error
}

// MemoryTrackerStore keeps trackers in process memory. The default store.
type MemoryTrackerStore struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewMemoryTrackerStore() *MemoryTrackerStore {
	return &MemoryTrackerStore{trackers: make(map[string]*Tracker)}
}

func (s *MemoryTrackerStore) GetOrCreate(sender, botName string, argsTemplate map[string][]string, globals []string) (*Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[sender]; ok {
		return t, nil
	}
	t := NewTracker(sender, botName, argsTemplate, globals)
	s.trackers[sender] = t
	return t, nil
}

func (s *MemoryTrackerStore) Retrieve(sender string) (*Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[sender], nil
}

// Save is a no-op: memory trackers are mutated in place.
func (s *MemoryTrackerStore) Save(tr *Tracker) error { return nil }

// compile-time check
var _ TrackerStore = (*MemoryTrackerStore)(nil)
