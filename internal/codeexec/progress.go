package codeexec

import (
	"encoding/json"
	"strings"
	"time"
)

// Sentinel markers multiplexed into subprocess output.
const (
	ProgressMarker = "__GEMINI_PROGRESS__"
	ResultMarker   = "__TOOL_RESULT_BASE64__"
	EndMarker      = "__END__"
)

// ProgressEvent is one progress report from a running script, or a
// synthetic event from the harness itself.
type ProgressEvent struct {
	Stage Stage `json:"stage"`
	// ScriptStage is the stage name as reported by the script.
	ScriptStage string `json:"script_stage,omitempty"`
	// Progress is a percentage in [0, 100], or nil when unknown.
	Progress  *float64       `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Elapsed   time.Duration  `json:"elapsed"`
}

// wireProgress is the JSON envelope written by report_progress.
type wireProgress struct {
	Marker    bool           `json:"__PROGRESS__"`
	Stage     *string        `json:"stage"`
	Progress  *float64       `json:"progress"`
	Message   *string        `json:"message"`
	Details   map[string]any `json:"details"`
	Timestamp float64        `json:"timestamp"`
	Elapsed   float64        `json:"elapsed"`
}

// ProgressParser extracts progress markers from streamed output. A
// marker split across chunks is held back until it completes. It is
// not safe for concurrent use; use one parser per stream.
type ProgressParser struct {
	// StripResult also removes result sentinel segments, for the
	// stdout stream.
	StripResult bool
	// MaxResult bounds the result payload held while it streams in.
	// A larger payload is skipped and reported by ResultTooLarge.
	// Zero means no bound.
	MaxResult int

	carry     string
	result    string
	hasResult bool
	tooLarge  bool
	// skipping is set inside an oversized result segment.
	skipping bool
}

// Feed consumes one chunk. It returns the chunk with every marker
// segment removed, plus the valid events found. A marker is dropped
// silently unless its JSON decodes with the __PROGRESS__ flag and a
// stage. With StripResult set, the payload of the last complete result
// segment is kept for Result.
func (p *ProgressParser) Feed(chunk string) (string, []ProgressEvent) {
	data := p.carry + chunk
	p.carry = ""

	if p.skipping {
		end := strings.Index(data, EndMarker)
		if end < 0 {
			p.carry = data[len(data)-partialPrefix(data, EndMarker):]
			return "", nil
		}
		p.skipping = false
		data = data[end+len(EndMarker):]
	}

	var (
		out    strings.Builder
		events []ProgressEvent
	)
	for {
		start, marker := p.nextMarker(data)
		if start < 0 {
			// Hold back a tail that could be the start of a marker.
			keep := p.partialTail(data)
			out.WriteString(data[:len(data)-keep])
			p.carry = data[len(data)-keep:]
			break
		}
		out.WriteString(data[:start])
		rest := data[start+len(marker):]
		end := strings.Index(rest, EndMarker)
		if end < 0 {
			if marker == ResultMarker && p.MaxResult > 0 && len(rest) > p.MaxResult {
				p.tooLarge = true
				p.skipping = true
				p.carry = rest[len(rest)-partialPrefix(rest, EndMarker):]
				break
			}
			p.carry = data[start:]
			break
		}
		switch marker {
		case ProgressMarker:
			if ev, ok := decodeProgress(rest[:end]); ok {
				events = append(events, ev)
			}
		case ResultMarker:
			if p.MaxResult > 0 && end > p.MaxResult {
				p.tooLarge = true
			} else {
				p.result, p.hasResult = rest[:end], true
			}
		}
		data = rest[end+len(EndMarker):]
	}
	return out.String(), events
}

// Flush returns any held-back text at end of stream. An unterminated
// marker is returned as plain text; the tail of an oversized result
// segment is dropped.
func (p *ProgressParser) Flush() string {
	s := p.carry
	p.carry = ""
	if p.skipping {
		p.skipping = false
		return ""
	}
	return s
}

// Result returns the payload of the last complete result segment.
func (p *ProgressParser) Result() (string, bool) {
	return p.result, p.hasResult
}

// ResultTooLarge reports whether a result segment exceeded MaxResult.
func (p *ProgressParser) ResultTooLarge() bool {
	return p.tooLarge
}

func (p *ProgressParser) markers() []string {
	if p.StripResult {
		return []string{ProgressMarker, ResultMarker}
	}
	return []string{ProgressMarker}
}

// nextMarker returns the index and text of the earliest marker in s,
// or -1.
func (p *ProgressParser) nextMarker(s string) (int, string) {
	best, which := -1, ""
	for _, m := range p.markers() {
		if i := strings.Index(s, m); i >= 0 && (best < 0 || i < best) {
			best, which = i, m
		}
	}
	return best, which
}

func (p *ProgressParser) partialTail(s string) int {
	keep := 0
	for _, m := range p.markers() {
		if n := partialPrefix(s, m); n > keep {
			keep = n
		}
	}
	return keep
}

// partialPrefix returns the length of the longest suffix of s that is
// a proper prefix of marker.
func partialPrefix(s, marker string) int {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

func decodeProgress(payload string) (ProgressEvent, bool) {
	var w wireProgress
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &w); err != nil {
		return ProgressEvent{}, false
	}
	if !w.Marker || w.Stage == nil || *w.Stage == "" {
		return ProgressEvent{}, false
	}

	ev := ProgressEvent{
		Stage:       StageFromScript(*w.Stage),
		ScriptStage: *w.Stage,
		Details:     w.Details,
		Elapsed:     time.Duration(w.Elapsed * float64(time.Second)),
	}
	if w.Progress != nil {
		pct := clampPercent(*w.Progress)
		ev.Progress = &pct
	}
	if w.Message != nil {
		ev.Message = *w.Message
	}
	if w.Timestamp > 0 {
		sec := int64(w.Timestamp)
		nsec := int64((w.Timestamp - float64(sec)) * float64(time.Second))
		ev.Timestamp = time.Unix(sec, nsec)
	} else {
		ev.Timestamp = time.Now()
	}
	return ev, true
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Percent returns a pointer to v for ProgressEvent.Progress.
func Percent(v float64) *float64 {
	return &v
}
