package protocol

import (
	"github.com/google/uuid"

	"github.com/dokzlo13/shaded/internal/clock"
	"github.com/dokzlo13/shaded/internal/schedule"
	"github.com/dokzlo13/shaded/internal/shade"
	"github.com/dokzlo13/shaded/internal/solar"
)

// Message types carried in the "type" field of outbound messages.
const (
	TypeConfig   = "config"
	TypeSchedule = "schedule"
	TypeReply    = "reply"
)

// ConfigSnapshot is the shade state sent to clients.
type ConfigSnapshot struct {
	Type            string            `json:"type"`
	Shade           int               `json:"shade"`
	TargetPos       int               `json:"targetPos"`
	CalibrateStatus shade.Calibration `json:"calibrateStatus"`
	ShadeLength     int               `json:"shadeLenght"`
	Sunrise         string            `json:"sunrise"`
	Sunset          string            `json:"sunset"`

	CurrentPos  int          `json:"currentPos"`
	Motion      shade.Motion `json:"motion"`
	SolarSource solar.Source `json:"solarSource"`
	Clock       string       `json:"clock"`
}

// NewConfigSnapshot builds a snapshot from the machine status. Sunrise and
// sunset are empty until solar times are ready.
func NewConfigSnapshot(st shade.Status, sun solar.Times, now clock.TimeOfDay) ConfigSnapshot {
	s := ConfigSnapshot{
		Type:            TypeConfig,
		Shade:           st.Config.ShadePercent,
		TargetPos:       st.Config.TargetPosition,
		CalibrateStatus: st.Config.Calibration,
		ShadeLength:     st.Config.TravelLength,
		CurrentPos:      st.CurrentPosition,
		Motion:          st.Motion,
		Clock:           now.String(),
	}
	if sun.Ready {
		s.Sunrise = sun.Sunrise.String()
		s.Sunset = sun.Sunset.String()
		s.SolarSource = sun.Source
	}
	return s
}

// ScheduleSnapshot is the rule set sent to clients.
type ScheduleSnapshot struct {
	Type string `json:"type"`
	schedule.Document
}

// NewScheduleSnapshot wraps a schedule document. Timers is never null on
// the wire.
func NewScheduleSnapshot(doc schedule.Document) ScheduleSnapshot {
	if doc.Timers == nil {
		doc.Timers = []schedule.FixedTimer{}
	}
	return ScheduleSnapshot{Type: TypeSchedule, Document: doc}
}

// Reply acknowledges one command to the client that sent it.
type Reply struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	RequestID string `json:"requestId,omitempty"`
	Ack       Kind   `json:"ack"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Note      string `json:"note,omitempty"`
}

// NewReply builds the reply for a command and the error it produced, if any.
func NewReply(cmd Command, res Result, err error) Reply {
	r := Reply{
		Type:      TypeReply,
		ID:        uuid.NewString(),
		RequestID: cmd.RequestID,
		Ack:       cmd.Kind,
		OK:        err == nil,
		Note:      res.Note,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Outbound is one message for clients. An empty ClientID broadcasts to all.
type Outbound struct {
	ClientID string
	Payload  any
}

// Publisher delivers outbound messages to connected clients.
type Publisher interface {
	Publish(msg Outbound)
}
