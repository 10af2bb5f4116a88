package event

import "time"

// CodeEdit is the debounced per-pause edit signal for one editor surface.
type CodeEdit struct {
	EditorName string `json:"editor_name"`
	NewLength  int    `json:"new_length"`
}

// UserIdle closes an idle session. DurationMS is the full span between
// the last qualifying activity and the activity (or page hide) that
// ended the session.
type UserIdle struct {
	DurationMS    int64     `json:"duration_ms"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	WasFocused    bool      `json:"was_focused"`
	TriggerSource string    `json:"trigger_source"`
}

// ViewportSize is reported once per click record so normalized
// coordinates can be projected back.
type ViewportSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClickRecord is one normalized click. Content is nil for
// password/file inputs and for non-interactive targets.
type ClickRecord struct {
	Timestamp     time.Time    `json:"timestamp"`
	Tag           string       `json:"tag"`
	Selector      string       `json:"selector"`
	Interactive   bool         `json:"is_interactive"`
	XNorm         float64      `json:"x_norm"`
	YNorm         float64      `json:"y_norm"`
	ViewportXNorm float64      `json:"viewport_x_norm"`
	ViewportYNorm float64      `json:"viewport_y_norm"`
	Viewport      ViewportSize `json:"viewport_size"`
	Content       *string      `json:"content"`
	ContentLen    int          `json:"content_len"`
}

// ClickBatch wraps a flushed click buffer. Final marks an end-of-session
// drain (page hide, unload, forced flush) as opposed to a routine
// size/interval flush.
type ClickBatch struct {
	Items []ClickRecord `json:"items"`
	Count int           `json:"count"`
	Page  string        `json:"page"`
	Final bool          `json:"final"`
}

// SignificantEdit is one meaningful edit or completed edit cycle.
type SignificantEdit struct {
	Editor           string `json:"editor"`
	EditType         string `json:"edit_type"` // addition or edit_cycle
	NetChange        int    `json:"net_change"`
	AbsoluteChange   int    `json:"absolute_change"`
	DurationMS       int64  `json:"duration_ms"`
	ResultingLength  int    `json:"resulting_length"`
	ConsecutiveEdits int    `json:"consecutive_edits"`
}

// SignificantEditsBatch carries the most recent unsent significant
// edits as one payload.
type SignificantEditsBatch struct {
	BatchID string            `json:"batch_id"`
	Count   int               `json:"count"`
	Edits   []SignificantEdit `json:"edits"`
	Final   bool              `json:"final,omitempty"`
}

// Problem is the repeated-struggle heuristic signal. It is always
// delivered immediately, never batched.
type Problem struct {
	Editor           string `json:"editor"`
	ConsecutiveEdits int    `json:"consecutive_edits"`
	Severity         string `json:"severity"` // low, medium, high
	NetChange        int    `json:"net_change"`
	DurationMS       int64  `json:"duration_ms"`
}

// FocusChange reports page visibility transitions.
type FocusChange struct {
	Hidden  bool   `json:"hidden"`
	PageURL string `json:"page_url"`
}

// IdleHint records that a proactive hint was shown to the user.
type IdleHint struct {
	Message string `json:"message"`
	IdleMS  int64  `json:"idle_ms"`
	PageURL string `json:"page_url"`
}

// ProblemHint records that a struggle hint was shown to the user.
type ProblemHint struct {
	Editor    string `json:"editor"`
	EditCount int    `json:"edit_count"`
	Message   string `json:"message"`
}
