package repo

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "short string unchanged",
			in:   "send failed (permanent): status=400",
			want: "send failed (permanent): status=400",
		},
		{
			name: "exactly at the limit unchanged",
			in:   strings.Repeat("x", lastErrorMax),
			want: strings.Repeat("x", lastErrorMax),
		},
		{
			name: "ascii overflow cut at the limit",
			in:   strings.Repeat("x", lastErrorMax+100),
			want: strings.Repeat("x", lastErrorMax),
		},
		{
			// A two-byte rune straddles the byte limit; the cut must back
			// off rather than keep a lone lead byte.
			name: "rune straddling the boundary dropped whole",
			in:   strings.Repeat("x", lastErrorMax-1) + "é!",
			want: strings.Repeat("x", lastErrorMax-1),
		},
		{
			name: "multibyte tail cut on a rune boundary",
			in:   strings.Repeat("é", lastErrorMax),
			want: strings.Repeat("é", lastErrorMax/2),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := truncateError(tc.in)
			if got != tc.want {
				t.Fatalf("truncateError() = %q, want %q", got, tc.want)
			}
			if len(got) > lastErrorMax {
				t.Fatalf("result is %d bytes, limit is %d", len(got), lastErrorMax)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("result is not valid UTF-8: %q", got)
			}
		})
	}
}
