// Package pipeline defines the four crawl stages as units of work shared by
// the local and distributed engines. A unit consumes one Task and returns the
// Tasks it fans out to; only the transport between stages differs by engine.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Stage names one pipeline phase.
type Stage string

// Pipeline stages in handoff order.
const (
	StageList    Stage = "list"
	StageManga   Stage = "manga"
	StageChapter Stage = "chapter"
	StagePage    Stage = "page"
)

// Stages lists every stage in handoff order.
var Stages = []Stage{StageList, StageManga, StageChapter, StagePage}

// Index returns the stage's position in Stages, or -1.
func (s Stage) Index() int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Task is the envelope a stage consumes. Exactly one payload is set and it
// matches Stage.
type Task struct {
	Stage    Stage  `json:"stage"`
	JobID    string `json:"job_id"`
	TargetID string `json:"target_id"`
	// Root marks the single seed of a job; its failure fails the job.
	Root bool `json:"root,omitempty"`
	// Attempt is the 1-based delivery attempt, filled in by brokers.
	Attempt int `json:"attempt,omitempty"`
	// Publication is stamped once per publish by the distributed engine. Two
	// parents may emit the same work; each publish is still counted once.
	Publication string `json:"publication,omitempty"`

	List    *crawler.ListPageTask `json:"list,omitempty"`
	Manga   *crawler.MangaTask    `json:"manga,omitempty"`
	Chapter *crawler.ChapterTask  `json:"chapter,omitempty"`
	Page    *crawler.PageTask     `json:"page,omitempty"`
}

// ListTask wraps a list payload.
func ListTask(t crawler.ListPageTask) Task {
	return Task{Stage: StageList, JobID: t.JobID, TargetID: t.TargetID, List: &t}
}

// MangaTask wraps a manga payload.
func MangaTask(t crawler.MangaTask) Task {
	return Task{Stage: StageManga, JobID: t.JobID, TargetID: t.TargetID, Manga: &t}
}

// ChapterTask wraps a chapter payload.
func ChapterTask(t crawler.ChapterTask) Task {
	return Task{Stage: StageChapter, JobID: t.JobID, TargetID: t.TargetID, Chapter: &t}
}

// PageTask wraps a page payload.
func PageTask(t crawler.PageTask) Task {
	return Task{Stage: StagePage, JobID: t.JobID, TargetID: t.TargetID, Page: &t}
}

// Validate checks the envelope invariants.
func (t Task) Validate() error {
	if t.JobID == "" {
		return errors.New("task has no job id")
	}
	set := 0
	for _, present := range []bool{t.List != nil, t.Manga != nil, t.Chapter != nil, t.Page != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("task carries %d payloads, want 1", set)
	}
	var ok bool
	switch t.Stage {
	case StageList:
		ok = t.List != nil
	case StageManga:
		ok = t.Manga != nil
	case StageChapter:
		ok = t.Chapter != nil
	case StagePage:
		ok = t.Page != nil
	default:
		return fmt.Errorf("unknown stage %q", t.Stage)
	}
	if !ok {
		return fmt.Errorf("payload does not match stage %s", t.Stage)
	}
	return nil
}

// URL returns the source URL the task works on, if any.
func (t Task) URL() string {
	switch {
	case t.Manga != nil:
		return t.Manga.SourceURL
	case t.Chapter != nil:
		return t.Chapter.SourceURL
	case t.Page != nil:
		return t.Page.SourceURL
	default:
		return ""
	}
}

// Key identifies the unit of work independent of delivery attempt. Brokers
// use it to recognise duplicate deliveries.
func (t Task) Key() string {
	prefix := t.JobID + ":" + string(t.Stage) + ":"
	switch {
	case t.List != nil:
		return prefix + strconv.Itoa(t.List.PageNumber) + ":" + t.List.Query
	case t.Manga != nil:
		return prefix + t.Manga.SourceURL
	case t.Chapter != nil:
		if t.Chapter.Refresh() {
			return prefix + "refresh:" + t.Chapter.ParentContentID
		}
		return prefix + t.Chapter.ParentContentID + ":" + t.Chapter.ExternalChapterID
	case t.Page != nil:
		return prefix + t.Page.ChapterID
	default:
		return prefix
	}
}

// ClaimKey identifies one publication of the task, so redeliveries of it
// share a key while a second publish of the same work does not. Unstamped
// tasks fall back to Key.
func (t Task) ClaimKey() string {
	if t.Publication == "" {
		return t.Key()
	}
	return t.JobID + ":pub:" + t.Publication
}

// Encode serialises the task for a broker.
func (t Task) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s task: %w", t.Stage, err)
	}
	return data, nil
}

// Decode parses and validates a broker payload.
func Decode(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
