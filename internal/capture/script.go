package capture

import "sync"

// Script feeds a fixed list of values to successive reads. Once the list is
// exhausted every read returns the empty string.
type Script struct {
	mu       sync.Mutex
	values   []string
	consumed int
	reads    int
}

// NewScript copies values into a new Script.
func NewScript(values []string) *Script {
	return &Script{values: append([]string(nil), values...)}
}

// Read returns the next scripted value. The prompt is not echoed.
func (s *Script) Read(_ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.consumed >= len(s.values) {
		return "", nil
	}
	v := s.values[s.consumed]
	s.consumed++
	return v, nil
}

// Consumed reports how many scripted values have been handed out.
func (s *Script) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Reads reports how many times Read was called.
func (s *Script) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Remaining reports how many scripted values are left.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values) - s.consumed
}
