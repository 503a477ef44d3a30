package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// Stage is the task milestone an Event reports.
type Stage string

// Task stages.
const (
	StageTaskStart Stage = "TASK_START"
	StageFetchDone Stage = "FETCH_DONE"
	StageTaskEnd   Stage = "TASK_END"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for fetches. StatusError marks a fetch that
// produced no response at all.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusError StatusClass = "error"
)

// Event is one milestone of a task execution.
type Event struct {
	// TaskID identifies the crawl task; it must be positive.
	TaskID int64
	// SiteID scopes the event to a site and keys the per-day stats row.
	SiteID int64
	// Site is the site name used as a metric label.
	Site string
	// URL is the page URL; it should not contain credentials.
	URL string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which task milestone occurred.
	Stage Stage
	// StatusClass groups the HTTP response code of a FETCH_DONE event.
	StatusClass StatusClass
	// Bytes carries the response body size of the fetch.
	Bytes int64
	// Dur is the fetch latency on FETCH_DONE and the whole execution on TASK_END.
	Dur time.Duration
	// Status is the task status the execution ended in. Set on TASK_END only.
	Status crawler.TaskStatus
	// Kind is the failure kind, set on TASK_END only when the retry policy
	// classified a failure.
	Kind string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID <= 0 || e.SiteID <= 0 {
		return errors.New("task and site ids are required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart:
	case StageFetchDone:
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageTaskEnd:
		if !e.Status.Valid() {
			return fmt.Errorf("task end requires a valid status, got %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events. Zero means the
// fetch failed before a response arrived.
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
		return StatusError
	}
}
