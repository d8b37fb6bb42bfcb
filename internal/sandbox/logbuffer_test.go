package sandbox

import (
	"strings"
	"testing"
)

func TestLogBufferKeepsNewestBytes(t *testing.T) {
	buf := newLogBuffer(10)

	buf.Write([]byte("hello"))
	if buf.Truncated() || buf.String() != "hello" {
		t.Fatalf("unexpected buffer %q", buf.String())
	}

	buf.Write([]byte(" world!"))
	if !buf.Truncated() {
		t.Fatalf("expected truncation")
	}
	if got := strings.TrimPrefix(buf.String(), truncationMarker); got != "llo world!" {
		t.Fatalf("unexpected tail %q", got)
	}

	buf.Write([]byte("0123456789abcdef"))
	if got := strings.TrimPrefix(buf.String(), truncationMarker); got != "6789abcdef" {
		t.Fatalf("oversized write should keep its tail, got %q", got)
	}
}

func TestPayloadScanner(t *testing.T) {
	cases := []struct {
		name   string
		writes []string
		score  float64
		found  bool
	}{
		{name: "single line", writes: []string{"{\"score\": 42}\n"}, score: 42, found: true},
		{name: "last wins", writes: []string{"{\"score\": 1}\nnoise\n{\"score\": 2.5}\n"}, score: 2.5, found: true},
		{name: "split across writes", writes: []string{"{\"sco", "re\": 9", "}\n"}, score: 9, found: true},
		{name: "unterminated last line", writes: []string{"log\n{\"score\": 7}"}, score: 7, found: true},
		{name: "score missing", writes: []string{"{\"result\": 3}\n"}},
		{name: "not json", writes: []string{"score: 5\n"}},
		{name: "string score", writes: []string{"{\"score\": \"5\"}\n"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scanner := &payloadScanner{}
			for _, w := range tc.writes {
				scanner.Write([]byte(w))
			}
			payload, ok := scanner.Result()
			if ok != tc.found {
				t.Fatalf("expected found=%t, got %t", tc.found, ok)
			}
			if ok && *payload.Score != tc.score {
				t.Fatalf("expected score %v, got %v", tc.score, *payload.Score)
			}
		})
	}
}

func TestPayloadScannerSkipsOversizedLines(t *testing.T) {
	scanner := &payloadScanner{}
	scanner.Write([]byte("{\"score\": 5}\n"))
	scanner.Write([]byte("{\"score\": 6, \"details\": \"" + strings.Repeat("x", maxPayloadLine) + "\"}\n"))

	payload, ok := scanner.Result()
	if !ok || *payload.Score != 5 {
		t.Fatalf("oversized line should be ignored, got ok=%t", ok)
	}
}

func TestLimitsArgs(t *testing.T) {
	args := strings.Join(DefaultLimits().args(), " ")
	for _, want := range []string{"--network none", "--cpus 1", "--pids-limit 128", "--read-only", "--cap-drop ALL"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %q", want, args)
		}
	}
	if got := FormatLimits(Limits{}); got != "-" {
		t.Fatalf("expected placeholder for empty limits, got %q", got)
	}
	if got := FormatLimits(DefaultLimits()); !strings.Contains(got, "mem=512.0MB") {
		t.Fatalf("unexpected formatted limits %q", got)
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"1024":  1024,
		"512m":  512 << 20,
		"1g":    1 << 30,
		"64KB":  64 << 10,
		" 2G  ": 2 << 30,
	}
	for in, want := range cases {
		got, err := ParseBytes(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %d, got %d", in, want, got)
		}
	}
	if _, err := ParseBytes("lots"); err == nil {
		t.Fatalf("expected error for invalid size")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:         "0B",
		512:       "512B",
		1536:      "1.5KB",
		512 << 20: "512.0MB",
		1 << 30:   "1.0GB",
		3 << 40:   "3.0TB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
