// Package progress defines the events emitted along the admission path.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageItemReady    Stage = "ITEM_READY"
	StageItemDropped  Stage = "ITEM_DROPPED"
	StageSendDone     Stage = "SEND_DONE"
	StageSendFailed   Stage = "SEND_FAILED"
	StageProxyEvicted Stage = "PROXY_EVICTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for send completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one transition of a work item or proxy.
type Event struct {
	// DispatchID ties together the events of one dispatch cycle. Proxy
	// evictions triggered outside a cycle leave it zero.
	DispatchID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the work item URL; it should not contain credentials.
	URL        string
	Host       string
	Scheme     string
	Proxy      string
	Address    string
	RecordType string
	// Reason is the drop reason or eviction cause.
	Reason     string
	StatusCode int
	Dur        time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageItemReady:
		if e.URL == "" || e.Proxy == "" || e.Address == "" {
			return errors.New("item ready requires url, proxy and address")
		}
	case StageItemDropped:
		if e.Reason == "" {
			return errors.New("item dropped requires reason")
		}
	case StageSendDone:
		if e.URL == "" {
			return errors.New("send done requires url")
		}
	case StageSendFailed:
		if e.Proxy == "" {
			return errors.New("send failed requires proxy")
		}
	case StageProxyEvicted:
		if e.Proxy == "" || e.Reason == "" {
			return errors.New("proxy evicted requires proxy and reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// DispatchUUID converts the binary dispatch ID to uuid.UUID for repositories.
func (e Event) DispatchUUID() uuid.UUID {
	return uuid.UUID(e.DispatchID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for send events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
