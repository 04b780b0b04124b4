package orchestrator

import (
	"time"

	"github.com/antoniostano/tides/internal/protocol"
)

// Envelope renders the outcome for the wire. A non-nil err produces a
// failed envelope that still carries routing metadata.
func (o Outcome) Envelope(err error, now time.Time) protocol.Envelope {
	env := protocol.Envelope{
		Success: err == nil,
		Metadata: protocol.Metadata{
			Capability:         o.Capability,
			Confidence:         o.Confidence,
			ProcessingTimeMS:   o.ProcessingTime.Milliseconds(),
			Timestamp:          now.UTC(),
			ConversationID:     o.ConversationID,
			Path:               o.Path,
			NeedsClarification: o.NeedsClarification,
		},
	}
	if err != nil {
		env.Error = err.Error()
		return env
	}
	env.Data = o.Data
	return env
}
