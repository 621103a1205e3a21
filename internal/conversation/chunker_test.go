package conversation

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

// chunkAll feeds every delta, closes the chunker and returns all chunks.
func chunkAll(c *Chunker, deltas ...string) []Chunk {
	var out []Chunk
	for _, d := range deltas {
		out = slices.AppendSeq(out, c.Feed(d))
	}
	return slices.AppendSeq(out, c.Close())
}

// texts returns the chunk texts, leaving out the empty terminal marker.
func texts(chunks []Chunk) []string {
	var out []string
	for _, c := range chunks {
		if c.Text != "" {
			out = append(out, c.Text)
		}
	}
	return out
}

func TestChunker_Sentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		deltas []string
		want   []string
	}{
		{
			name:   "numbered steps",
			deltas: []string{"1. Preheat the fryer. 2. Add oil."},
			want:   []string{"Step one: Preheat the fryer.", "Step two: Add oil."},
		},
		{
			name:   "numbered steps split across deltas",
			deltas: []string{"1", ". Pre", "heat the fryer.", " 2", ". Add oil."},
			want:   []string{"Step one: Preheat the fryer.", "Step two: Add oil."},
		},
		{
			name:   "list on separate lines",
			deltas: []string{"Steps:\n1) Dry the chicken.\n2) Fry for 12 minutes.\n"},
			want:   []string{"Steps:", "Step one: Dry the chicken.", "Step two: Fry for 12 minutes."},
		},
		{
			name:   "list introduced by colon",
			deltas: []string{"You will need: 1. a thermometer. 2. tongs."},
			want:   []string{"You will need:", "Step one: a thermometer.", "Step two: tongs."},
		},
		{
			name:   "list after a comma",
			deltas: []string{"To clean it, 1. Turn off power. 2. Remove the basket."},
			want:   []string{"To clean it,", "Step one: Turn off power.", "Step two: Remove the basket."},
		},
		{
			name:   "list opened mid sentence",
			deltas: []string{"First drain it and then 1. Turn off power. 2. Remove the basket."},
			want:   []string{"First drain it and then", "Step one: Turn off power.", "Step two: Remove the basket."},
		},
		{
			name:   "next item inside a clause",
			deltas: []string{"1. Dry the chicken and 2. Season it."},
			want:   []string{"Step one: Dry the chicken and", "Step two: Season it."},
		},
		{
			name:   "inline marker split across deltas",
			deltas: []string{"To clean it, 1", ". Turn off power."},
			want:   []string{"To clean it,", "Step one: Turn off power."},
		},
		{
			name:   "number ending a sentence",
			deltas: []string{"Set the timer to 10. Then flip it."},
			want:   []string{"Set the timer to 10.", "Then flip it."},
		},
		{
			name:   "decimal numbers",
			deltas: []string{"Use 3.5 oz of flour. Then mix."},
			want:   []string{"Use 3.5 oz of flour.", "Then mix."},
		},
		{
			name:   "abbreviations",
			deltas: []string{"Add spices, e.g. paprika. Ask Dr. Lee first."},
			want:   []string{"Add spices, e.g. paprika.", "Ask Dr. Lee first."},
		},
		{
			name:   "initials",
			deltas: []string{"Recipe by J. Child. Enjoy!"},
			want:   []string{"Recipe by J. Child.", "Enjoy!"},
		},
		{
			name:   "temperature is not a marker",
			deltas: []string{"Heat to 350. Then wait."},
			want:   []string{"Heat to 350.", "Then wait."},
		},
		{
			name:   "question and exclamation with closers",
			deltas: []string{`Ready? He said "Go!" Then fry.`},
			want:   []string{"Ready?", `He said "Go!"`, "Then fry."},
		},
		{
			name:   "ellipsis",
			deltas: []string{"Wait... then flip it."},
			want:   []string{"Wait...", "then flip it."},
		},
		{
			name:   "markdown",
			deltas: []string{"# Frying\n- **Careful:** the oil is *hot*.\nSee [the guide](http://x/y).\n"},
			want:   []string{"Frying", "Careful: the oil is hot.", "See the guide."},
		},
		{
			name:   "punctuation only is dropped",
			deltas: []string{"Done.\n...\n"},
			want:   []string{"Done."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := texts(chunkAll(NewChunker(0), tt.deltas...))
			if !slices.Equal(got, tt.want) {
				t.Errorf("chunks = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChunker_TrailingPeriodWaits(t *testing.T) {
	t.Parallel()
	c := NewChunker(0)
	if got := slices.Collect(c.Feed("Fry for 3.")); len(got) != 0 {
		t.Fatalf("chunk emitted before the number was complete: %+v", got)
	}
	got := slices.Collect(c.Feed("5 minutes. Then rest."))
	if len(got) != 1 || got[0].Text != "Fry for 3.5 minutes." {
		t.Fatalf("chunks = %+v", got)
	}
}

func TestChunker_NeverEndsOnBareMarker(t *testing.T) {
	t.Parallel()
	c := NewChunker(0)
	got := slices.Collect(c.Feed("1. "))
	got = slices.AppendSeq(got, c.Feed("Preheat the fryer. 2."))
	for _, ch := range got {
		if strings.HasSuffix(ch.Text, "1.") || strings.HasSuffix(ch.Text, "2.") {
			t.Errorf("chunk ends on a marker: %q", ch.Text)
		}
	}
	rest := slices.Collect(c.Close())
	all := texts(append(got, rest...))
	want := []string{"Step one: Preheat the fryer."}
	if !slices.Equal(all, want) {
		t.Errorf("chunks = %q, want %q", all, want)
	}
}

func TestChunker_MaxSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		max  int
		in   string
		want []string
	}{
		{
			name: "split at whitespace",
			max:  20,
			in:   "alpha beta gamma delta epsilon zeta eta",
			want: []string{"alpha beta gamma", "delta epsilon zeta", "eta"},
		},
		{
			name: "prefer clause punctuation",
			max:  30,
			in:   "First, heat the oil slowly and carefully until hot",
			want: []string{"First,", "heat the oil slowly and", "carefully until hot"},
		},
		{
			name: "no whitespace at all",
			max:  5,
			in:   "abcdefghij",
			want: []string{"abcde", "fghij"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks := chunkAll(NewChunker(tt.max), tt.in)
			got := texts(chunks)
			if !slices.Equal(got, tt.want) {
				t.Errorf("chunks = %q, want %q", got, tt.want)
			}
			for _, c := range chunks {
				if n := utf8.RuneCountInString(c.Text); n > tt.max {
					t.Errorf("chunk %q has %d runes, max %d", c.Text, n, tt.max)
				}
			}
		})
	}
}

func TestChunker_SeqAndFinal(t *testing.T) {
	t.Parallel()
	chunks := chunkAll(NewChunker(0), "One. Two. ", "Three.")
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk %d has Seq %d", i, c.Seq)
		}
		if c.Final != (i == len(chunks)-1) {
			t.Errorf("chunk %d Final = %v", i, c.Final)
		}
	}
}

func TestChunker_EmptyFinal(t *testing.T) {
	t.Parallel()
	c := NewChunker(0)
	first := slices.Collect(c.Feed("All done. "))
	rest := slices.Collect(c.Close())
	if len(first) != 1 || len(rest) != 1 {
		t.Fatalf("first = %+v, rest = %+v", first, rest)
	}
	if rest[0].Text != "" || !rest[0].Final || rest[0].Seq != 1 {
		t.Errorf("final chunk = %+v, want empty final with Seq 1", rest[0])
	}
	if again := slices.Collect(c.Close()); len(again) != 0 {
		t.Errorf("second Close yielded %+v", again)
	}
	if after := slices.Collect(c.Feed("more.")); len(after) != 0 {
		t.Errorf("Feed after Close yielded %+v", after)
	}
}

func TestChunker_NothingSpeakable(t *testing.T) {
	t.Parallel()
	chunks := chunkAll(NewChunker(0), "  ", "**")
	if len(chunks) != 1 || chunks[0].Text != "" || !chunks[0].Final {
		t.Errorf("chunks = %+v, want a single empty final chunk", chunks)
	}
}

func TestChunker_EarlyBreakKeepsRemainder(t *testing.T) {
	t.Parallel()
	c := NewChunker(0)
	for ch := range c.Feed("One. Two. Three. ") {
		if ch.Text != "One." {
			t.Fatalf("first chunk = %q", ch.Text)
		}
		break
	}
	got := texts(slices.Collect(c.Close()))
	if !slices.Equal(got, []string{"Two.", "Three."}) {
		t.Errorf("remainder = %q", got)
	}
}

func TestNumberWords(t *testing.T) {
	t.Parallel()
	tests := map[int]string{0: "zero", 7: "seven", 13: "thirteen", 20: "twenty", 42: "forty-two", 99: "ninety-nine"}
	for n, want := range tests {
		if got := numberWords(n); got != want {
			t.Errorf("numberWords(%d) = %q, want %q", n, got, want)
		}
	}
}
