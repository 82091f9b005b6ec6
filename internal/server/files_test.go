// SPDX-License-Identifier: MPL-2.0

package server

import "testing"

func TestSliceLines(t *testing.T) {
	t.Parallel()

	content := "one\ntwo\nthree\nfour\n"

	tests := []struct {
		name       string
		start, end int
		want       string
	}{
		{name: "middle range", start: 2, end: 3, want: "two\nthree\n"},
		{name: "single line", start: 2, end: 2, want: "two\n"},
		{name: "start clamps to 1", start: 0, end: 2, want: "one\ntwo\n"},
		{name: "end clamps to EOF", start: 3, end: 99, want: "three\nfour\n"},
		{name: "zero end means EOF", start: 2, end: 0, want: "two\nthree\nfour\n"},
		{name: "start past EOF", start: 5, end: 9, want: ""},
		{name: "inverted range", start: 3, end: 2, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sliceLines(content, tt.start, tt.end); got != tt.want {
				t.Errorf("sliceLines(%d, %d) = %q, want %q", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestSliceLinesNoTrailingNewline(t *testing.T) {
	t.Parallel()

	if got := sliceLines("one\ntwo", 2, 2); got != "two" {
		t.Errorf("sliceLines() = %q, want %q", got, "two")
	}
}

func TestSpliceLines(t *testing.T) {
	t.Parallel()

	existing := "one\ntwo\nthree\n"

	tests := []struct {
		name        string
		replacement string
		start, end  int
		want        string
	}{
		{
			name:        "replace middle line",
			replacement: "TWO\n",
			start:       2,
			end:         2,
			want:        "one\nTWO\nthree\n",
		},
		{
			name:        "replacement without newline gets one before remaining lines",
			replacement: "TWO",
			start:       2,
			end:         2,
			want:        "one\nTWO\nthree\n",
		},
		{
			name:        "replace range with fewer lines",
			replacement: "X\n",
			start:       1,
			end:         2,
			want:        "X\nthree\n",
		},
		{
			name:        "empty replacement deletes the range",
			replacement: "",
			start:       2,
			end:         3,
			want:        "one\n",
		},
		{
			name:        "start past EOF appends",
			replacement: "four\n",
			start:       99,
			end:         99,
			want:        "one\ntwo\nthree\nfour\n",
		},
		{
			name:        "insert before line without consuming it",
			replacement: "zero\n",
			start:       1,
			end:         0,
			want:        "zero\none\ntwo\nthree\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := spliceLines(existing, tt.replacement, tt.start, tt.end); got != tt.want {
				t.Errorf("spliceLines(%q, %d, %d) = %q, want %q", tt.replacement, tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestSpliceLinesIntoEmptyFile(t *testing.T) {
	t.Parallel()

	if got := spliceLines("", "hello\n", 1, 1); got != "hello\n" {
		t.Errorf("spliceLines(empty) = %q, want %q", got, "hello\n")
	}
}

func TestSplitKeepEnds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{name: "empty", content: "", want: nil},
		{name: "trailing newline", content: "a\nb\n", want: []string{"a\n", "b\n"}},
		{name: "no trailing newline", content: "a\nb", want: []string{"a\n", "b"}},
		{name: "single line", content: "a", want: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := splitKeepEnds(tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("splitKeepEnds(%q) = %#v, want %#v", tt.content, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitKeepEnds(%q)[%d] = %q, want %q", tt.content, i, got[i], tt.want[i])
				}
			}
		})
	}
}
