package tracker

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/superludanman/behaviortrack/event"
)

// Click is the collaborator-facing click signal. The host's DOM glue
// fills it from the raw event; the tracker never touches the DOM
// itself.
type Click struct {
	// Timestamp of the DOM event. Zero means "now".
	Timestamp time.Time
	// Tag is the target's element tag, e.g. "button".
	Tag string
	// Selector is a CSS path identifying the target.
	Selector string
	// Interactive marks targets whose text content is worth recording
	// (buttons, links, inputs, labels).
	Interactive bool
	// InputType is the target's input type attribute, if any.
	InputType string
	// Text is the target's visible text or current value.
	Text string

	// X, Y are the click's page coordinates.
	X, Y float64
	// Target bounds in page coordinates.
	TargetX, TargetY          float64
	TargetWidth, TargetHeight float64
	// Viewport dimensions at click time.
	ViewportWidth, ViewportHeight float64
}

// redactedInputTypes never have their content recorded, not even its
// length.
var redactedInputTypes = map[string]struct{}{
	"password": {},
	"file":     {},
}

// normalizeClick converts a raw click into the wire record: coordinates
// are normalized to [0,1] against the target bounds and viewport, and
// content is captured only for interactive, non-sensitive targets,
// truncated to maxTextLen runes.
func normalizeClick(c Click, now time.Time, maxTextLen int) event.ClickRecord {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = now
	}

	rec := event.ClickRecord{
		Timestamp:     ts,
		Tag:           strings.ToLower(c.Tag),
		Selector:      c.Selector,
		Interactive:   c.Interactive,
		XNorm:         norm(c.X-c.TargetX, c.TargetWidth),
		YNorm:         norm(c.Y-c.TargetY, c.TargetHeight),
		ViewportXNorm: norm(c.X, c.ViewportWidth),
		ViewportYNorm: norm(c.Y, c.ViewportHeight),
		Viewport: event.ViewportSize{
			Width:  c.ViewportWidth,
			Height: c.ViewportHeight,
		},
	}

	if !c.Interactive {
		return rec
	}
	if _, redacted := redactedInputTypes[strings.ToLower(c.InputType)]; redacted {
		return rec
	}

	content := truncateRunes(c.Text, maxTextLen)
	rec.Content = &content
	rec.ContentLen = utf8.RuneCountInString(c.Text)
	return rec
}

func norm(v, extent float64) float64 {
	if extent <= 0 {
		return 0
	}
	n := v / extent
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
