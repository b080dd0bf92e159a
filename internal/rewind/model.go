package rewind

// FileResult reports the outcome of restoring or deleting one file during a
// rewind.
type FileResult struct {
	FilePath string `json:"filePath"`
	Action   string `json:"action"` // "restored" | "deleted" | "already_absent"
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Backup captures a file's state immediately before a rewind overwrote or
// deleted it, for manual recovery.
type Backup struct {
	FilePath       string  `json:"filePath"`
	CurrentContent *string `json:"currentContent,omitempty"`
	CurrentExists  bool    `json:"currentExists"`
}

// Result is the response of Rewind.
type Result struct {
	Success       bool         `json:"success"`
	BackupID      string       `json:"backupId,omitempty"`
	FilesAffected int          `json:"filesAffected"`
	PerFileResults []FileResult `json:"results,omitempty"`
	Backups       []Backup     `json:"backups,omitempty"`
	FailureKind   string       `json:"failureKind,omitempty"`
	Message       string       `json:"message,omitempty"`
}

// PreviewEntry describes what a rewind would do to one file without
// touching the filesystem.
type PreviewEntry struct {
	FilePath        string `json:"filePath"`
	OriginalExisted bool   `json:"originalExisted"`
	Action          string `json:"action"` // "restore" | "delete"
}

const (
	// Preview actions are imperative, executed results past tense.
	ActionRestore       = "restore"
	ActionDelete        = "delete"
	ActionRestored      = "restored"
	ActionDeleted       = "deleted"
	ActionAlreadyAbsent = "already_absent"

	FailureKindNoSnapshots = "no_snapshots"

	// TruncatedMarker is the literal suffix a content_before/content_after
	// body carries when the real (oversized) text was cut short.
	TruncatedMarker = "[TRUNCATED]"
)
