package blocks

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Extracted
	}{
		{
			name: "single block",
			text: "intro\n[React hooks run after render]^abc123\n",
			want: []Extracted{{ID: "abc123", Content: "React hooks run after render", Line: 2}},
		},
		{
			name: "content is trimmed",
			text: "[   padded \n body  ]^pad001",
			want: []Extracted{{ID: "pad001", Content: "padded \n body", Line: 1}},
		},
		{
			name: "nested pair stays in outer body",
			text: "[see [the docs] for fiber]^xyz789",
			want: []Extracted{{ID: "xyz789", Content: "see [the docs] for fiber", Line: 1}},
		},
		{
			name: "nested block is its own block too",
			text: "[outer [inner]^in0001 tail]^out001",
			want: []Extracted{
				{ID: "in0001", Content: "inner", Line: 1},
				{ID: "out001", Content: "outer [inner]^in0001 tail", Line: 1},
			},
		},
		{
			name: "unmatched closing is discarded",
			text: "no opener here]^bad001 and [ok]^ok0001",
			want: []Extracted{{ID: "ok0001", Content: "ok", Line: 1}},
		},
		{
			name: "empty body is kept",
			text: "[  ]^emp001",
			want: []Extracted{{ID: "emp001", Content: "", Line: 1}},
		},
		{
			name: "plain brackets without tag are ignored",
			text: "[link](http://x) and [^1] footnote",
			want: nil,
		},
		{
			name: "line counts from the opening delimiter",
			text: "a\nb\n[multi\nline]^ml0001",
			want: []Extracted{{ID: "ml0001", Content: "multi\nline", Line: 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReferences(t *testing.T) {
	text := "see ^abc123 and ^xyz789, again ^abc123. [own block]^own001 not a ref"
	assert.Equal(t, []string{"abc123", "xyz789"}, References(text))
	assert.Empty(t, References("[only]^def001"))
}

func TestFormatRoundTrip(t *testing.T) {
	got := Extract("x " + Format("rt0001", "round trip") + " y")
	assert.Equal(t, []Extracted{{ID: "rt0001", Content: "round trip", Line: 1}}, got)
}
