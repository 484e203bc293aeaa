package channel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymux/relaymux/internal/config"
	log "github.com/relaymux/relaymux/internal/logging"
)

// Registry holds the current channel set. Reads take a lock-free snapshot;
// writes clone the state under writerMu and publish atomically, so the
// coordinator's hot path never contends with management mutations.
type Registry struct {
	state    atomic.Pointer[registryState]
	writerMu sync.Mutex

	health *HealthTracker
	nextID atomic.Int64
}

type registryState struct {
	channels map[int64]*Channel
}

func (s *registryState) clone() *registryState {
	dup := &registryState{channels: make(map[int64]*Channel, len(s.channels))}
	for id, ch := range s.channels {
		dup.channels[id] = ch.clone()
	}
	return dup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{health: NewHealthTracker()}
	r.state.Store(&registryState{channels: make(map[int64]*Channel)})
	return r
}

// Health exposes the rolling per-channel health state.
func (r *Registry) Health() *HealthTracker { return r.health }

func (r *Registry) snapshot() *registryState { return r.state.Load() }

// Seed replaces the channel set from configuration. Existing runtime
// status (disabled via management API) is preserved for matching IDs.
func (r *Registry) Seed(seeds []config.ChannelSeed) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	old := r.snapshot()
	next := &registryState{channels: make(map[int64]*Channel, len(seeds))}
	var maxID int64
	for _, seed := range seeds {
		ch := channelFromSeed(seed)
		if prev, ok := old.channels[ch.ID]; ok && prev.Status != ParseStatus("") {
			ch.Status = prev.Status
		}
		next.channels[ch.ID] = ch
		if ch.ID > maxID {
			maxID = ch.ID
		}
	}
	r.state.Store(next)
	r.nextID.Store(maxID)
	log.Debugf("channel registry seeded with %d channels", len(seeds))
}

// Get returns a snapshot of the channel with the given id.
func (r *Registry) Get(id int64) (*Channel, bool) {
	ch, ok := r.snapshot().channels[id]
	if !ok {
		return nil, false
	}
	return ch.clone(), true
}

// List returns all channels ordered by id, archived ones included.
func (r *Registry) List() []*Channel {
	s := r.snapshot()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Candidates returns the enabled, non-archived channels that serve the
// given model. This is the candidate set handed to the load balancer.
func (r *Registry) Candidates(modelID string) []*Channel {
	s := r.snapshot()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.Eligible() && ch.SupportsModel(modelID) {
			out = append(out, ch.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create registers a new channel and returns its snapshot.
func (r *Registry) Create(seed config.ChannelSeed) *Channel {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	if seed.ID == 0 {
		seed.ID = r.nextID.Add(1)
	} else if seed.ID > r.nextID.Load() {
		r.nextID.Store(seed.ID)
	}
	ch := channelFromSeed(seed)
	next := r.snapshot().clone()
	next.channels[ch.ID] = ch
	r.state.Store(next)
	return ch.clone()
}

// SetStatus changes a channel's administrative status.
func (r *Registry) SetStatus(id int64, status Status) error {
	return r.update(id, func(ch *Channel) { ch.Status = status })
}

// SetWeight changes a channel's static weight for the weighted strategy.
func (r *Registry) SetWeight(id int64, weight int) error {
	if weight < 0 {
		return fmt.Errorf("channel: weight must be >= 0")
	}
	return r.update(id, func(ch *Channel) { ch.Weight = weight })
}

func (r *Registry) update(id int64, mutate func(*Channel)) error {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	old := r.snapshot()
	if _, ok := old.channels[id]; !ok {
		return fmt.Errorf("channel: unknown channel id %d", id)
	}
	next := old.clone()
	ch := next.channels[id]
	mutate(ch)
	ch.UpdatedAt = time.Now()
	r.state.Store(next)
	return nil
}
