package signal

import (
	"errors"
	"fmt"

	"github.com/lessonlink/realtime/internal/domain"
)

// errEvent is the error envelope. Errors never kill the socket; the
// client keeps its prior state (e.g. restores the draft on a failed
// send) and may retry only the retryable class.
type errEvent struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	default:
		return "transient"
	}
}

func (ctl *Controller) sendErr(c *wsSignalConn, err error) {
	ctl.sendJSON(c, errEvent{
		Type:      "error",
		Code:      errCode(err),
		Error:     err.Error(),
		Retryable: !domain.Terminal(err),
	})
}

func errBadPayload(err error) error {
	return fmt.Errorf("bad payload: %v: %w", err, domain.ErrValidation)
}
