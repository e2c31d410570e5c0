package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonlink/realtime/internal/domain"
)

func pid(s string) *domain.PrincipalID {
	p := domain.PrincipalID(s)
	return &p
}

func TestArbitrateSpotlightDeterminism(t *testing.T) {
	streams := []PublishedStream{
		{Principal: "A", HasCamera: true, Seq: 1},
		{Principal: "B", HasCamera: true, Seq: 2},
	}

	// Local=A, no pin: the first remote camera wins.
	layout := Arbitrate(streams, "A", nil)
	require.NotNil(t, layout.Spotlight)
	assert.Equal(t, domain.PrincipalID("B"), *layout.Spotlight)
	assert.Nil(t, layout.DominantShare)
	assert.Equal(t, []domain.PrincipalID{"A"}, layout.Secondary)

	// Same input, same result.
	again := Arbitrate(streams, "A", nil)
	assert.Equal(t, layout, again)

	// Pinning A keeps A spotlighted.
	layout = Arbitrate(streams, "A", pid("A"))
	require.NotNil(t, layout.Spotlight)
	assert.Equal(t, domain.PrincipalID("A"), *layout.Spotlight)

	// A's stream disappears: pin clears, reverts to remote-first.
	layout = Arbitrate([]PublishedStream{
		{Principal: "B", HasCamera: true, Seq: 2},
	}, "A", pid("A"))
	assert.Nil(t, layout.Pinned)
	require.NotNil(t, layout.Spotlight)
	assert.Equal(t, domain.PrincipalID("B"), *layout.Spotlight)
}

func TestArbitrateLocalOnlyWhenAlone(t *testing.T) {
	// Sole local camera gets the spotlight.
	layout := Arbitrate([]PublishedStream{
		{Principal: "A", HasCamera: true, Seq: 1},
	}, "A", nil)
	require.NotNil(t, layout.Spotlight)
	assert.Equal(t, domain.PrincipalID("A"), *layout.Spotlight)

	// A remote without a camera present: local is no longer alone, so
	// nothing is spotlighted.
	layout = Arbitrate([]PublishedStream{
		{Principal: "A", HasCamera: true, Seq: 1},
		{Principal: "B", HasCamera: false, Seq: 2},
	}, "A", nil)
	assert.Nil(t, layout.Spotlight)
	assert.Equal(t, []domain.PrincipalID{"A"}, layout.Secondary)
}

func TestArbitrateDominantShare(t *testing.T) {
	// Local and remote share published simultaneously: local wins.
	layout := Arbitrate([]PublishedStream{
		{Principal: "A", HasCamera: true, HasScreenShare: true, Seq: 1},
		{Principal: "B", HasCamera: true, HasScreenShare: true, Seq: 2},
	}, "B", nil)
	require.NotNil(t, layout.DominantShare)
	assert.Equal(t, domain.PrincipalID("B"), *layout.DominantShare)
	assert.Nil(t, layout.Spotlight)
	// Camera tiles all demote to the secondary strip.
	assert.Equal(t, []domain.PrincipalID{"A", "B"}, layout.Secondary)

	// Only remote shares: first by join order wins regardless of input
	// order.
	layout = Arbitrate([]PublishedStream{
		{Principal: "C", HasScreenShare: true, Seq: 3},
		{Principal: "B", HasScreenShare: true, Seq: 2},
	}, "A", nil)
	require.NotNil(t, layout.DominantShare)
	assert.Equal(t, domain.PrincipalID("B"), *layout.DominantShare)
}

func TestArbitratePinIgnoredWhileShareDominant(t *testing.T) {
	layout := Arbitrate([]PublishedStream{
		{Principal: "A", HasCamera: true, Seq: 1},
		{Principal: "B", HasCamera: true, HasScreenShare: true, Seq: 2},
	}, "A", pid("A"))
	require.NotNil(t, layout.DominantShare)
	assert.Equal(t, domain.PrincipalID("B"), *layout.DominantShare)
	assert.Nil(t, layout.Spotlight)
	// The pin survives for when the share stops.
	require.NotNil(t, layout.Pinned)
	assert.Equal(t, domain.PrincipalID("A"), *layout.Pinned)
}

func TestStreamsOfSkipsDeparted(t *testing.T) {
	now := testTime()
	m := &domain.MeetingSession{
		Roster: []*domain.MeetingParticipant{
			{PrincipalID: "A", VideoEnabled: true, Seq: 1},
			{PrincipalID: "B", VideoEnabled: true, LeftAt: &now, Seq: 2},
			{PrincipalID: "C", SharingScreen: true, Seq: 3},
		},
	}
	streams := StreamsOf(m)
	require.Len(t, streams, 2)
	assert.Equal(t, domain.PrincipalID("A"), streams[0].Principal)
	assert.True(t, streams[0].HasCamera)
	assert.Equal(t, domain.PrincipalID("C"), streams[1].Principal)
	assert.True(t, streams[1].HasScreenShare)
}
