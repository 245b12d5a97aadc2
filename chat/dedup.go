package chat

// DefaultDedupCapacity bounds the recently-seen id set when no override is
// configured.
const DefaultDedupCapacity = 2048

// seenSet is a bounded recently-seen id set with FIFO eviction. The upstream
// occasionally re-delivers records across fetches, so ids must stay
// suppressible beyond a single batch, but the set cannot grow unbounded over
// a stream that runs for hours.
type seenSet struct {
	cap   int
	ids   map[string]struct{}
	order []string
	head  int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &seenSet{
		cap: capacity,
		ids: make(map[string]struct{}, capacity),
	}
}

// seen records id and reports whether it was already present. When the set
// is full the oldest id is evicted first.
func (s *seenSet) seen(id string) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}
	if len(s.order) < s.cap {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.head])
		s.order[s.head] = id
		s.head = (s.head + 1) % s.cap
	}
	s.ids[id] = struct{}{}
	return false
}

func (s *seenSet) len() int {
	return len(s.ids)
}
