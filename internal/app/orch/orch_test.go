package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lessonlink/realtime/internal/app"
	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
	"github.com/lessonlink/realtime/internal/store/memory"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) received() []core.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

// eventsOf decodes the type field of every received frame.
func (f *fakeSignal) eventsOf(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, fr := range f.received() {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(fr, &env))
		out = append(out, env.Type)
	}
	return out
}

func newTestOrch(t *testing.T) *Orchestrator {
	t.Helper()
	reg := core.NewRegistry()
	rooms := core.NewRooms(context.Background(), reg)
	t.Cleanup(rooms.Shutdown)
	st := memory.New()
	o := &Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Store:    st,
		Unread:   app.NewUnreadTracker(st),
		Locks:    app.NewKeyedLock(),
	}
	o.Bind()
	return o
}

func seedDirect(t *testing.T, o *Orchestrator, a, b domain.PrincipalID) *domain.Conversation {
	t.Helper()
	conv, err := o.EnsureDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func seedGroup(t *testing.T, o *Orchestrator, creator domain.Principal, members ...domain.PrincipalID) *domain.Conversation {
	t.Helper()
	conv, err := o.CreateConversation(context.Background(), creator, domain.KindGroup, members)
	require.NoError(t, err)
	return conv
}

// connect registers a connection and joins it to the conversation room.
func connect(t *testing.T, o *Orchestrator, p domain.Principal, conv *domain.Conversation) (core.ConnID, *fakeSignal) {
	t.Helper()
	sig := &fakeSignal{}
	conn := o.Connect(p, sig)
	require.NoError(t, o.JoinRoom(context.Background(), conn, core.RoomForConversation(conv)))
	return conn, sig
}

func waitForEvent(t *testing.T, sig *fakeSignal, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range sig.eventsOf(t) {
			if e == event {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "expected %q event", event)
}

func countEvents(t *testing.T, sig *fakeSignal, event string) int {
	t.Helper()
	n := 0
	for _, e := range sig.eventsOf(t) {
		if e == event {
			n++
		}
	}
	return n
}

func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, target), "got %v, want %v", err, target)
}
