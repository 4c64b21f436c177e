package codeexec

import (
	"slices"
	"strings"
	"testing"
)

func TestProgressParser_StripsAndMaps(t *testing.T) {
	var p ProgressParser
	in := `prefix__GEMINI_PROGRESS__{"__PROGRESS__":true,"stage":"loading","progress":10}__END__suffix`

	text, evs := p.Feed(in)
	text += p.Flush()

	if text != "prefixsuffix" {
		t.Errorf("cleaned text = %q, want %q", text, "prefixsuffix")
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Stage != StagePreparing {
		t.Errorf("stage = %q, want %q", evs[0].Stage, StagePreparing)
	}
	if evs[0].ScriptStage != "loading" {
		t.Errorf("script stage = %q, want loading", evs[0].ScriptStage)
	}
	if evs[0].Progress == nil || *evs[0].Progress != 10 {
		t.Errorf("progress = %v, want 10", evs[0].Progress)
	}
}

func TestProgressParser_SplitAcrossChunks(t *testing.T) {
	full := `a__GEMINI_PROGRESS__{"__PROGRESS__":true,"stage":"running","message":"half","progress":50}__END__b`

	for split := 1; split < len(full); split++ {
		var p ProgressParser
		t1, e1 := p.Feed(full[:split])
		t2, e2 := p.Feed(full[split:])
		text := t1 + t2 + p.Flush()
		evs := append(e1, e2...)

		if text != "ab" {
			t.Fatalf("split %d: text = %q, want %q", split, text, "ab")
		}
		if len(evs) != 1 || evs[0].Message != "half" {
			t.Fatalf("split %d: events = %+v", split, evs)
		}
	}
}

func TestProgressParser_InvalidIgnored(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad json", `x__GEMINI_PROGRESS__{not json}__END__y`},
		{"missing stage", `x__GEMINI_PROGRESS__{"__PROGRESS__":true,"progress":5}__END__y`},
		{"empty stage", `x__GEMINI_PROGRESS__{"__PROGRESS__":true,"stage":""}__END__y`},
		{"missing flag", `x__GEMINI_PROGRESS__{"stage":"running","progress":5}__END__y`},
		{"flag false", `x__GEMINI_PROGRESS__{"__PROGRESS__":false,"stage":"running"}__END__y`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ProgressParser
			text, evs := p.Feed(tt.in)
			text += p.Flush()
			if text != "xy" {
				t.Errorf("text = %q, want xy", text)
			}
			if len(evs) != 0 {
				t.Errorf("events = %+v, want none", evs)
			}
		})
	}
}

func TestProgressParser_MultipleMarkers(t *testing.T) {
	var p ProgressParser
	in := `__GEMINI_PROGRESS__{"__PROGRESS__":true,"stage":"loading"}__END__
line
__GEMINI_PROGRESS__{"__PROGRESS__":true,"stage":"done","progress":100}__END__
`
	text, evs := p.Feed(in)
	text += p.Flush()
	if strings.Contains(text, "GEMINI") {
		t.Errorf("marker leaked into text: %q", text)
	}
	if len(evs) != 2 || evs[1].Stage != StageCompleted {
		t.Fatalf("events = %+v", evs)
	}
}

func TestProgressParser_UnterminatedFlushedAsText(t *testing.T) {
	var p ProgressParser
	text, evs := p.Feed(`ok__GEMINI_PROGRESS__{"stage":"x"`)
	if text != "ok" || len(evs) != 0 {
		t.Fatalf("Feed = %q, %v", text, evs)
	}
	if rest := p.Flush(); rest != `__GEMINI_PROGRESS__{"stage":"x"` {
		t.Errorf("Flush = %q", rest)
	}
}

func TestProgressParser_StripResult(t *testing.T) {
	p := ProgressParser{StripResult: true}
	text, _ := p.Feed("out" + EncodeResult("hidden") + "\n")
	text += p.Flush()
	if text != "out\n" {
		t.Errorf("text = %q, want %q", text, "out\n")
	}
}

func TestProgressParser_CapturesLastResult(t *testing.T) {
	big := strings.Repeat("résumé ", 40000)
	full := "noise" + EncodeResult("first") + "\n" + EncodeResult(big) + "\n"

	p := ProgressParser{StripResult: true}
	var text strings.Builder
	for chunk := range slices.Chunk([]byte(full), 4096) {
		out, _ := p.Feed(string(chunk))
		text.WriteString(out)
	}
	text.WriteString(p.Flush())

	if text.String() != "noise\n\n" {
		t.Errorf("text = %q", text.String())
	}
	payload, ok := p.Result()
	if !ok {
		t.Fatal("no result captured")
	}
	got, err := DecodePayload(payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got != big {
		t.Errorf("decoded %d bytes, want %d", len(got), len(big))
	}
	if p.ResultTooLarge() {
		t.Error("ResultTooLarge with no bound")
	}
}

func TestProgressParser_ResultTooLarge(t *testing.T) {
	full := "a" + EncodeResult(strings.Repeat("x", 5000)) + "b"

	for _, size := range []int{1, 7, 64, len(full)} {
		p := ProgressParser{StripResult: true, MaxResult: 1024}
		var text strings.Builder
		for chunk := range slices.Chunk([]byte(full), size) {
			out, _ := p.Feed(string(chunk))
			text.WriteString(out)
		}
		text.WriteString(p.Flush())

		if text.String() != "ab" {
			t.Errorf("chunk %d: text = %q, want ab", size, text.String())
		}
		if !p.ResultTooLarge() {
			t.Errorf("chunk %d: ResultTooLarge = false", size)
		}
		if _, ok := p.Result(); ok {
			t.Errorf("chunk %d: oversized result was captured", size)
		}
	}
}

func TestProgressParser_ClampsPercent(t *testing.T) {
	var p ProgressParser
	_, evs := p.Feed(`__GEMINI_PROGRESS__{"__PROGRESS__":true,"stage":"running","progress":250}__END__`)
	if len(evs) != 1 || *evs[0].Progress != 100 {
		t.Fatalf("events = %+v", evs)
	}
}

func TestPartialPrefix(t *testing.T) {
	tests := []struct {
		s    string
		want int
	}{
		{"abc", 0},
		{"abc_", 1},
		{"abc__GEMINI", 8},
		{"", 0},
	}
	for _, tt := range tests {
		if got := partialPrefix(tt.s, ProgressMarker); got != tt.want {
			t.Errorf("partialPrefix(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}
}
