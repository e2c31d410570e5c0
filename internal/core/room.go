package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const roomQueueSize = 256

type fanoutJob struct {
	payload Frame
	exclude ConnID
}

// Room is the live fan-out group mirroring one conversation's (or
// meeting's) membership. Each room owns a single dispatch goroutine fed
// by a buffered queue, so delivery within the room preserves enqueue
// order (FIFO per room). Nothing is ordered across rooms.
type Room struct {
	ID RoomID

	mu      sync.RWMutex
	members map[ConnID]struct{}

	queue   chan fanoutJob
	done    <-chan struct{}
	resolve func(ConnID) (SignalConnection, bool)
	dropped func(ConnID)
}

func newRoom(id RoomID, done <-chan struct{}, resolve func(ConnID) (SignalConnection, bool), dropped func(ConnID)) *Room {
	return &Room{
		ID:      id,
		members: make(map[ConnID]struct{}),
		queue:   make(chan fanoutJob, roomQueueSize),
		done:    done,
		resolve: resolve,
		dropped: dropped,
	}
}

// Join is idempotent.
func (r *Room) Join(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = struct{}{}
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Str("conn", string(id)).Msg("member joined")
}

// Leave is idempotent.
func (r *Room) Leave(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Str("conn", string(id)).Msg("member left")
}

func (r *Room) MembersSnapshot() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Broadcast enqueues payload for delivery to every current member except
// exclude (pass "" to reach everyone). A full queue makes the producer
// wait for the dispatcher; the wait is bounded because delivery never
// blocks on a member (TrySend fails fast and slow members are dropped).
// A broadcast is only abandoned once the room is shut down.
func (r *Room) Broadcast(payload Frame, exclude ConnID) {
	select {
	case r.queue <- fanoutJob{payload: payload, exclude: exclude}:
	case <-r.done:
		log.Warn().Str("module", "core.room").Str("room", string(r.ID)).Msg("broadcast after shutdown discarded")
	}
}

func (r *Room) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			for _, id := range r.MembersSnapshot() {
				if id == job.exclude {
					continue
				}
				sig, ok := r.resolve(id)
				if !ok {
					continue
				}
				if err := sig.TrySend(job.payload); err != nil {
					log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.ID)).Str("conn", string(id)).Msg("slow member dropped")
					if r.dropped != nil {
						r.dropped(id)
					}
				}
			}
		}
	}
}
