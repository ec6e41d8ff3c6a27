package status

import (
	"time"

	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

// MessageType identifies a websocket message.
type MessageType string

const (
	// MessageTypeStatus carries a status transition.
	MessageTypeStatus MessageType = "status"

	// MessageTypeCycle marks the end of a sync cycle and carries its result.
	MessageTypeCycle MessageType = "cycle"
)

// Message is one websocket broadcast.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Status    StatusView  `json:"status"`
	Result    *ResultView `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// StatusView is the JSON form of an engine status.
type StatusView struct {
	State               string     `json:"state"`
	CooldownRemainingMS int64      `json:"cooldown_remaining_ms,omitempty"`
	LastSync            *time.Time `json:"last_sync,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Pending             int        `json:"pending"`
	Failed              int        `json:"failed"`
	Exhausted           int        `json:"exhausted"`

	User      string `json:"user,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Reachable *bool  `json:"reachable,omitempty"`
}

// ResultView is the JSON form of a cycle result.
type ResultView struct {
	Uploaded   int   `json:"uploaded"`
	Rejected   int   `json:"rejected"`
	Downloaded int   `json:"downloaded"`
	Orphans    int   `json:"orphans"`
	DurationMS int64 `json:"duration_ms"`
	Full       bool  `json:"full"`
}

// ViewOf converts a status snapshot.
func ViewOf(st fsync.Status) StatusView {
	v := StatusView{
		State:               string(st.State),
		CooldownRemainingMS: st.CooldownRemaining.Milliseconds(),
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Pending:             st.Pending,
		Failed:              st.Failed,
		Exhausted:           st.Exhausted,
	}
	if !st.LastSync.IsZero() {
		t := st.LastSync.UTC()
		v.LastSync = &t
	}
	return v
}

func messageFor(ev fsync.StatusEvent) Message {
	msg := Message{
		Type:      MessageTypeStatus,
		Timestamp: ev.At,
		Status:    ViewOf(ev.Status),
	}
	if ev.Result != nil {
		msg.Type = MessageTypeCycle
		msg.Result = &ResultView{
			Uploaded:   ev.Result.Uploaded,
			Rejected:   ev.Result.Rejected,
			Downloaded: ev.Result.Downloaded,
			Orphans:    ev.Result.Orphans,
			DurationMS: ev.Result.Duration.Milliseconds(),
			Full:       ev.Result.Full,
		}
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}
