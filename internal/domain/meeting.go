package domain

import "time"

type MeetingID string

type MeetingStatus string

const (
	MeetingActive MeetingStatus = "active"
	MeetingEnded  MeetingStatus = "ended"
)

// MeetingParticipant is a roster entry. Seq is the monotonic per-meeting
// join sequence; stream arbitration orders remote tiles by it so the
// outcome does not depend on event arrival order.
type MeetingParticipant struct {
	PrincipalID   PrincipalID `json:"principal_id"`
	JoinedAt      time.Time   `json:"joined_at"`
	LeftAt        *time.Time  `json:"left_at,omitempty"`
	AudioEnabled  bool        `json:"audio_enabled"`
	VideoEnabled  bool        `json:"video_enabled"`
	SharingScreen bool        `json:"sharing_screen"`
	Seq           int         `json:"seq"`
}

func (mp *MeetingParticipant) Present() bool { return mp.LeftAt == nil }

// MeetingSession has a terminal lifecycle: once Ended it never becomes
// Active again; a fresh start creates a new instance. At most one Active
// session exists per conversation.
type MeetingSession struct {
	ID             MeetingID             `json:"id"`
	ConversationID ConversationID        `json:"conversation_id"`
	Status         MeetingStatus         `json:"status"`
	StartedBy      PrincipalID           `json:"started_by"`
	StartedAt      time.Time             `json:"started_at"`
	EndedAt        *time.Time            `json:"ended_at,omitempty"`
	Roster         []*MeetingParticipant `json:"roster"`
	NextSeq        int                   `json:"next_seq"`
}

// Entry returns the roster entry for pid, past or present, or nil.
func (m *MeetingSession) Entry(pid PrincipalID) *MeetingParticipant {
	for _, e := range m.Roster {
		if e.PrincipalID == pid {
			return e
		}
	}
	return nil
}

// PresentCount counts roster entries without a LeftAt.
func (m *MeetingSession) PresentCount() int {
	n := 0
	for _, e := range m.Roster {
		if e.Present() {
			n++
		}
	}
	return n
}
