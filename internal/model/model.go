// Package model defines the domain types shared by the recovery engine,
// the journal and the CLI.
package model

import (
	"path/filepath"
	"sort"
	"time"
)

// Outcome is the result kind of a single file transfer.
type Outcome string

const (
	OutcomeMoved          Outcome = "moved"
	OutcomeCopied         Outcome = "copied-pending-delete"
	OutcomeSkippedMissing Outcome = "skipped-missing-source"
	OutcomeFailed         Outcome = "failed"
)

// TransferResult describes what happened to one source file.
type TransferResult struct {
	Source      string
	Destination string
	Outcome     Outcome
	// PendingDelete is set when the data reached the destination but the
	// source could not be removed afterwards.
	PendingDelete bool
	DryRun        bool
	Err           error
}

// Succeeded reports whether the destination now holds the source's data.
func (r TransferResult) Succeeded() bool {
	return r.Outcome == OutcomeMoved || r.Outcome == OutcomeCopied
}

// RecoveryScope is one resolved recycle bin and the roots it restores into.
// An empty Category denotes the global recycle bin.
type RecoveryScope struct {
	Category    string
	RecyclePath string
	ContentRoot string
	TorrentsDir string
}

// Label returns a printable name for the scope.
func (s RecoveryScope) Label() string {
	if s.Category == "" {
		return "global"
	}
	return s.Category
}

// ContentLayout distinguishes single-file torrents from multi-file ones.
type ContentLayout string

const (
	LayoutSingleFile ContentLayout = "single-file"
	LayoutMultiFile  ContentLayout = "multi-file"
)

// ItemRecord is one torrents_json record written by qBit Manage when it
// recycled a torrent.
type ItemRecord struct {
	TorrentName         string              `json:"torrent_name"`
	Category            string              `json:"category"`
	Files               []string            `json:"files"`
	DeletedContents     *bool               `json:"deleted_contents,omitempty"`
	TrackerTorrentFiles map[string][]string `json:"tracker_torrent_files,omitempty"`
	SavePath            string              `json:"save_path,omitempty"`

	// MetadataPath is the file the record was read from.
	MetadataPath string `json:"-"`
	// Raw holds the undecoded file contents.
	Raw []byte `json:"-"`
}

// ContentsRecycled reports whether the torrent's content was moved into the
// recycle bin. Records written before the field existed always had their
// contents recycled.
func (r ItemRecord) ContentsRecycled() bool {
	return r.DeletedContents == nil || *r.DeletedContents
}

// Layout derives the content layout from the recorded files.
func (r ItemRecord) Layout() ContentLayout {
	if len(r.Files) == 1 {
		return LayoutSingleFile
	}
	return LayoutMultiFile
}

// Name returns the torrent name, falling back to the metadata file name.
func (r ItemRecord) Name() string {
	if r.TorrentName != "" {
		return r.TorrentName
	}
	base := filepath.Base(r.MetadataPath)
	return base[:len(base)-len(filepath.Ext(base))]
}

// TorrentFiles returns the backed-up .torrent/.fastresume names across all
// trackers, sorted and without duplicates.
func (r ItemRecord) TorrentFiles() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, names := range r.TrackerTorrentFiles {
		for _, n := range names {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// ScopeState is the lifecycle position of a scope within a run.
type ScopeState string

const (
	ScopeStatePending       ScopeState = "pending"
	ScopeStateListing       ScopeState = "listing"
	ScopeStateRestoring     ScopeState = "restoring"
	ScopeStateDone          ScopeState = "done"
	ScopeStateFailedPartial ScopeState = "failed_partial"
)

// Tally counts transfer outcomes.
type Tally struct {
	Moved   int `json:"moved"`
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add counts one result.
func (t *Tally) Add(r TransferResult) {
	switch r.Outcome {
	case OutcomeMoved:
		t.Moved++
	case OutcomeCopied:
		t.Copied++
	case OutcomeSkippedMissing:
		t.Skipped++
	default:
		t.Failed++
	}
}

// Merge adds another tally into t.
func (t *Tally) Merge(o Tally) {
	t.Moved += o.Moved
	t.Copied += o.Copied
	t.Skipped += o.Skipped
	t.Failed += o.Failed
}

// Total returns the number of counted transfers.
func (t Tally) Total() int {
	return t.Moved + t.Copied + t.Skipped + t.Failed
}

// ScopeReport summarises one scope after a run.
type ScopeReport struct {
	Scope RecoveryScope
	State ScopeState
	Tally Tally

	ItemsRestored int
	ItemsRetained int
	ItemsFailed   int
	ItemsFiltered int

	// Err is set when the scope could not be listed or the run was cancelled.
	Err error
}

// Fatal reports whether the scope failed before any item was attempted.
func (r ScopeReport) Fatal() bool {
	return r.Err != nil && r.Tally.Total() == 0 && r.ItemsRestored == 0
}

// RunReport collects the scope reports of one recovery run.
type RunReport struct {
	RunID      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Scopes     []ScopeReport
}

// Tally sums the outcome counts over all scopes.
func (r RunReport) Tally() Tally {
	var t Tally
	for _, s := range r.Scopes {
		t.Merge(s.Tally)
	}
	return t
}

// AllFatal reports whether every scope failed before processing anything.
func (r RunReport) AllFatal() bool {
	if len(r.Scopes) == 0 {
		return false
	}
	for _, s := range r.Scopes {
		if !s.Fatal() {
			return false
		}
	}
	return true
}

// JournalRunState is the persisted state of a run.
type JournalRunState string

const (
	JournalRunRunning     JournalRunState = "running"
	JournalRunCompleted   JournalRunState = "completed"
	JournalRunPartial     JournalRunState = "partial"
	JournalRunInterrupted JournalRunState = "interrupted"
)

// JournalRun is one row of the journal's runs table.
type JournalRun struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DryRun     bool            `json:"dry_run"`
	State      JournalRunState `json:"state"`
}

// JournalItem is one consumed metadata record archived by the journal.
type JournalItem struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Scope        string    `json:"scope"`
	TorrentName  string    `json:"torrent_name"`
	MetadataPath string    `json:"metadata_path"`
	Payload      string    `json:"payload"`
	Tally        Tally     `json:"tally"`
	RecordedAt   time.Time `json:"recorded_at"`
}
