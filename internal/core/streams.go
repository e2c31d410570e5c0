package core

import (
	"sort"

	"github.com/lessonlink/realtime/internal/domain"
)

// PublishedStream is one participant's media publication state. Seq is
// the meeting join sequence, which makes selection deterministic for a
// fixed input set regardless of event arrival order.
type PublishedStream struct {
	Principal      domain.PrincipalID
	HasCamera      bool
	HasScreenShare bool
	Seq            int
}

// Layout is the arbitration outcome. While a screen-share is dominant,
// camera tiles are demoted to the Secondary strip; otherwise Spotlight
// holds the primary camera tile. Pinned echoes the surviving pin (nil
// when the pinned principal's stream disappeared).
type Layout struct {
	DominantShare *domain.PrincipalID  `json:"dominant_share,omitempty"`
	Spotlight     *domain.PrincipalID  `json:"spotlight,omitempty"`
	Secondary     []domain.PrincipalID `json:"secondary,omitempty"`
	Pinned        *domain.PrincipalID  `json:"pinned,omitempty"`
}

// Arbitrate recomputes the layout for the current published-stream set.
// Pure: same streams, local principal and pin state always give the same
// layout. Selecting a tile is expressed by calling again with pinned set.
func Arbitrate(streams []PublishedStream, local domain.PrincipalID, pinned *domain.PrincipalID) Layout {
	ordered := make([]PublishedStream, len(streams))
	copy(ordered, streams)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	// A pin only survives while its principal still publishes a camera.
	if pinned != nil {
		alive := false
		for _, s := range ordered {
			if s.Principal == *pinned && s.HasCamera {
				alive = true
				break
			}
		}
		if !alive {
			pinned = nil
		}
	}

	layout := Layout{Pinned: pinned}

	// Dominant screen-share: own share wins, then the first remote share
	// by join order.
	for _, s := range ordered {
		if !s.HasScreenShare {
			continue
		}
		if s.Principal == local {
			p := s.Principal
			layout.DominantShare = &p
			break
		}
		if layout.DominantShare == nil {
			p := s.Principal
			layout.DominantShare = &p
		}
	}
	if layout.DominantShare != nil {
		for _, s := range ordered {
			if s.HasCamera {
				layout.Secondary = append(layout.Secondary, s.Principal)
			}
		}
		return layout
	}

	// Spotlight: the pin first, then the first remote camera, then the
	// local camera only when it is the sole stream present.
	if pinned != nil {
		layout.Spotlight = pinned
	} else {
		for _, s := range ordered {
			if s.HasCamera && s.Principal != local {
				p := s.Principal
				layout.Spotlight = &p
				break
			}
		}
		if layout.Spotlight == nil && len(ordered) == 1 && ordered[0].Principal == local && ordered[0].HasCamera {
			p := local
			layout.Spotlight = &p
		}
	}
	for _, s := range ordered {
		if s.HasCamera && (layout.Spotlight == nil || s.Principal != *layout.Spotlight) {
			layout.Secondary = append(layout.Secondary, s.Principal)
		}
	}
	return layout
}

// StreamsOf derives the published-stream set from a meeting roster,
// skipping entries that already left.
func StreamsOf(m *domain.MeetingSession) []PublishedStream {
	out := make([]PublishedStream, 0, len(m.Roster))
	for _, e := range m.Roster {
		if !e.Present() {
			continue
		}
		out = append(out, PublishedStream{
			Principal:      e.PrincipalID,
			HasCamera:      e.VideoEnabled,
			HasScreenShare: e.SharingScreen,
			Seq:            e.Seq,
		})
	}
	return out
}
