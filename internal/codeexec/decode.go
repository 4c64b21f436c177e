package codeexec

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// EncodeResult wraps text in the result sentinel the way the script
// wrapper does. An empty text yields an empty payload.
func EncodeResult(text string) string {
	payload := ""
	if text != "" {
		payload = base64.StdEncoding.EncodeToString([]byte(text))
	}
	return ResultMarker + payload + EndMarker
}

// DecodeResult recovers the captured script output from stdout. It
// uses the last result sentinel. When no sentinel is present or its
// payload does not decode, it falls back to the trimmed raw output
// and returns the reason as a non-nil error; the text is usable
// either way.
func DecodeResult(stdout string) (string, error) {
	start := strings.LastIndex(stdout, ResultMarker)
	if start < 0 {
		return rawText(stdout), ErrNoResult
	}
	rest := stdout[start+len(ResultMarker):]
	end := strings.Index(rest, EndMarker)
	if end < 0 {
		return rawText(stdout[:start]), fmt.Errorf("%w: unterminated sentinel", ErrNoResult)
	}

	text, err := DecodePayload(rest[:end])
	if err != nil {
		return rawText(stdout[:start]), err
	}
	return text, nil
}

// DecodePayload decodes the base64 text between a result marker and
// its end marker. An empty payload is an empty result.
func DecodePayload(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode result payload: %w", err)
	}
	return toUTF8(decoded), nil
}

func rawText(s string) string {
	return toUTF8([]byte(strings.TrimSpace(s)))
}

// toUTF8 returns b as a string, reading it as Windows-1252 when it is
// not valid UTF-8. Interpreters on Windows hosts default to that code
// page when stdio is not reconfigured.
func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(s)
}
