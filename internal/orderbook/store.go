package orderbook

import (
	"sync"
	"time"
)

// View is what a renderer needs to draw the book. Everything in it is
// derived from a Book plus the feed status at publication time.
type View struct {
	Market    string    `json:"market"`
	GroupSize float64   `json:"group_size"`
	Groups    []float64 `json:"groups"`
	State     string    `json:"state"`
	Killed    bool      `json:"killed"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	MaxTotal  float64   `json:"max_total"`
	Spread    *float64  `json:"spread,omitempty"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewView renders a book. Seq and UpdatedAt are stamped by Store.Publish.
func NewView(b Book, groups []float64, state string, killed bool) View {
	v := View{
		Market:    b.Market,
		GroupSize: b.GroupSize,
		Groups:    append([]float64(nil), groups...),
		State:     state,
		Killed:    killed,
		Bids:      b.Bids.Levels(),
		Asks:      b.Asks.Levels(),
		MaxTotal:  b.MaxTotal(),
	}
	if s, ok := b.Spread(); ok {
		v.Spread = &s
	}
	return v
}

// Store holds the latest View and fans it out to subscribers.
type Store struct {
	mu     sync.RWMutex
	view   View
	seq    uint64
	nextID uint64
	subs   map[uint64]chan View
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{subs: map[uint64]chan View{}, now: time.Now}
}

// Current returns the last published view.
func (s *Store) Current() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Publish replaces the current view and notifies subscribers. A subscriber
// whose buffer is full is dropped and its channel closed.
func (s *Store) Publish(v View) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	v.Seq = s.seq
	v.UpdatedAt = s.now()
	s.view = v
	for id, ch := range s.subs {
		select {
		case ch <- v:
		default:
			close(ch)
			delete(s.subs, id)
		}
	}
	return v
}

// Subscribe registers a listener. The current view, if any, is delivered first.
func (s *Store) Subscribe(buffer int) (<-chan View, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan View, buffer)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if s.seq > 0 {
		ch <- s.view
	}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

// Subscribers reports how many listeners are registered.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
