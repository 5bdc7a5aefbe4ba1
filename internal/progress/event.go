package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Kind denotes what an Event reports.
type Kind string

// Supported event kinds.
const (
	KindLog      Kind = "log"
	KindJobStart Kind = "job_start"
	KindJobDone  Kind = "job_done"
	KindItem     Kind = "item"
)

// Event is one progress signal for a job.
type Event struct {
	JobID string
	TS    time.Time
	Kind  Kind
	// Stage is the pipeline stage for item and log events.
	Stage string
	// Severity, Message, URL and Detail describe log events.
	Severity crawler.Severity
	Message  string
	URL      string
	Detail   string
	// Status is the terminal status of a job_done event.
	Status crawler.JobStatus
	// Failed marks an item event whose handling failed.
	Failed bool
	// Dur is the job runtime for job_done events.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobStart:
	case KindLog:
		if e.Message == "" {
			return errors.New("log event requires a message")
		}
		if e.Severity == "" {
			return errors.New("log event requires a severity")
		}
	case KindJobDone:
		if !e.Status.Terminal() {
			return fmt.Errorf("job done requires a terminal status, got %q", e.Status)
		}
	case KindItem:
		if e.Stage == "" {
			return errors.New("item event requires a stage")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// LogEntry converts a log event into its persisted form.
func (e Event) LogEntry() crawler.LogEntry {
	return crawler.LogEntry{
		JobID:    e.JobID,
		Severity: e.Severity,
		Stage:    e.Stage,
		Message:  e.Message,
		URL:      e.URL,
		Detail:   e.Detail,
		At:       e.TS,
	}
}

// lifecycle reports whether the event marks a job starting or finishing.
func (e Event) lifecycle() bool {
	return e.Kind == KindJobStart || e.Kind == KindJobDone
}
