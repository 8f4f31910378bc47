// Package roster provides implementations of the core.RosterStore contract:
// a Redis-backed store for real deployments and an in-memory store for tests
// and single-process use.
package roster

import (
	"context"
	"sync"
	"time"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

const watchBuffer = 64

type memRoom struct {
	participants map[domain.PeerID]domain.Participant
	mailboxes    map[domain.PeerID][]domain.SignalEnvelope
	wakeups      map[domain.PeerID]chan struct{}
	watchers     map[int]chan core.RosterSnapshot
	nextWatcher  int
	cleanups     map[domain.PeerID]bool
}

// MemoryStore is a process-local RosterStore. Mailbox FIFO follows from the
// per-recipient slice; at-least-once hand-off from head-peek-then-delete.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*memRoom
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[domain.RoomID]*memRoom)}
}

func (s *MemoryStore) room(id domain.RoomID) *memRoom {
	r, ok := s.rooms[id]
	if !ok {
		r = &memRoom{
			participants: make(map[domain.PeerID]domain.Participant),
			mailboxes:    make(map[domain.PeerID][]domain.SignalEnvelope),
			wakeups:      make(map[domain.PeerID]chan struct{}),
			watchers:     make(map[int]chan core.RosterSnapshot),
			cleanups:     make(map[domain.PeerID]bool),
		}
		s.rooms[id] = r
	}
	return r
}

func (r *memRoom) snapshotLocked() core.RosterSnapshot {
	out := make(core.RosterSnapshot, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// notifyLocked fans the current snapshot out to every watcher, dropping the
// oldest pending snapshot when a watcher lags. Only the newest state matters.
func (r *memRoom) notifyLocked() {
	snap := r.snapshotLocked()
	for _, ch := range r.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (r *memRoom) wakeLocked(peer domain.PeerID) {
	if ch, ok := r.wakeups[peer]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) PutParticipant(_ context.Context, room domain.RoomID, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	r.participants[p.ID] = p
	r.notifyLocked()
	return nil
}

func (s *MemoryStore) UpdateParticipant(_ context.Context, room domain.RoomID, id domain.PeerID, patch domain.ParticipantPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	p, ok := r.participants[id]
	if !ok {
		return nil
	}
	applyPatch(&p, patch)
	r.participants[id] = p
	r.notifyLocked()
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, room domain.RoomID, id domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	if _, ok := r.participants[id]; !ok {
		return nil
	}
	delete(r.participants, id)
	delete(r.mailboxes, id)
	r.notifyLocked()
	return nil
}

func (s *MemoryStore) WatchRoster(ctx context.Context, room domain.RoomID) (<-chan core.RosterSnapshot, func(), error) {
	s.mu.Lock()
	r := s.room(room)
	id := r.nextWatcher
	r.nextWatcher++
	ch := make(chan core.RosterSnapshot, watchBuffer)
	r.watchers[id] = ch
	ch <- r.snapshotLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(r.watchers, id)
	}
	return ch, cancel, nil
}

func (s *MemoryStore) AppendSignal(_ context.Context, room domain.RoomID, to domain.PeerID, env domain.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	r.mailboxes[to] = append(r.mailboxes[to], env)
	r.wakeLocked(to)
	return nil
}

func (s *MemoryStore) ConsumeSignals(ctx context.Context, room domain.RoomID, self domain.PeerID, handler core.SignalHandler) error {
	s.mu.Lock()
	r := s.room(room)
	wake, ok := r.wakeups[self]
	if !ok {
		wake = make(chan struct{}, 1)
		r.wakeups[self] = wake
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		box := r.mailboxes[self]
		var env domain.SignalEnvelope
		have := len(box) > 0
		if have {
			env = box[0]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
			continue
		}

		if err := handler(env); err != nil {
			// Leave the envelope for redelivery; back off briefly so an
			// erroring handler does not spin.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.mu.Lock()
		box = r.mailboxes[self]
		if len(box) > 0 && box[0].Key == env.Key {
			r.mailboxes[self] = box[1:]
		}
		s.mu.Unlock()
	}
}

func (s *MemoryStore) RegisterDisconnectCleanup(_ context.Context, room domain.RoomID, id domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(room).cleanups[id] = true
	return nil
}

// TriggerDisconnect simulates an unclean client death, running the
// registered cleanup. Test hook.
func (s *MemoryStore) TriggerDisconnect(room domain.RoomID, id domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(room)
	if !r.cleanups[id] {
		return
	}
	delete(r.cleanups, id)
	delete(r.participants, id)
	delete(r.mailboxes, id)
	r.notifyLocked()
}

// MailboxLen reports the pending envelope count for a peer. Test hook.
func (s *MemoryStore) MailboxLen(room domain.RoomID, id domain.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.room(room).mailboxes[id])
}

func applyPatch(p *domain.Participant, patch domain.ParticipantPatch) {
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Role != nil {
		p.Role = *patch.Role
	}
	if patch.AudioMuted != nil {
		p.AudioMuted = *patch.AudioMuted
	}
	if patch.VideoOff != nil {
		p.VideoOff = *patch.VideoOff
	}
	if patch.IsScreenSharing != nil {
		p.IsScreenSharing = *patch.IsScreenSharing
	}
	if patch.IsSpeaking != nil {
		p.IsSpeaking = *patch.IsSpeaking
	}
}
