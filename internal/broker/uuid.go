package broker

import (
	"sync"

	"github.com/google/uuid"
)

// UUIDSource produces version 7 message UUIDs that are strictly increasing
// within one process. Two V7 ids minted in the same millisecond carry random
// low bits and may sort backwards, so ids that do not sort above the previous
// one are regenerated.
type UUIDSource struct {
	mu   sync.Mutex
	last string
}

func NewUUIDSource() *UUIDSource {
	return &UUIDSource{}
}

// Next returns the next message UUID in canonical 36-character form.
func (s *UUIDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := uuid.Must(uuid.NewV7()).String()
		if id > s.last {
			s.last = id
			return id
		}
	}
}
