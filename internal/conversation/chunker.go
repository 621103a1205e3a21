package conversation

import (
	"iter"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkChars bounds a chunk when the reply has no usable boundary.
const DefaultMaxChunkChars = 200

// Chunk is one speakable unit of the assistant's reply.
type Chunk struct {
	// Seq is strictly increasing per response, starting at 0.
	Seq int
	// Text is ready for synthesis. It may be empty on the final chunk.
	Text string
	// Final marks the last chunk of the response.
	Final bool
}

// Chunker regroups streamed reply text into sentence-aligned chunks.
//
// A Chunker handles one response and is not safe for concurrent use.
type Chunker struct {
	buf    string
	seq    int
	max    int
	step   int // number of the last list item cut
	closed bool
}

// NewChunker returns a Chunker that never emits more than maxChars runes per
// chunk. A non-positive maxChars selects [DefaultMaxChunkChars].
func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	return &Chunker{max: maxChars}
}

// Feed appends delta to the buffer and returns the chunks that became
// complete. Chunks are cut while the sequence is iterated; text that is not
// consumed stays buffered for the next Feed or Close. Feed after Close is a
// no-op.
func (c *Chunker) Feed(delta string) iter.Seq[Chunk] {
	if !c.closed {
		c.buf += delta
	}
	return func(yield func(Chunk) bool) {
		for !c.closed {
			raw, ok := c.cut()
			if !ok {
				return
			}
			text := speakable(raw)
			if !hasWord(text) {
				continue
			}
			ch := Chunk{Seq: c.seq, Text: text}
			c.seq++
			if !yield(ch) {
				return
			}
		}
	}
}

// Close flushes everything still buffered. The last chunk it yields has Final
// set; when nothing speakable is left it yields a single empty final chunk so
// the consumer still learns where the response ends.
func (c *Chunker) Close() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if c.closed {
			return
		}
		c.closed = true

		var texts []string
		for {
			raw, ok := c.cut()
			if !ok {
				break
			}
			if t := speakable(raw); hasWord(t) {
				texts = append(texts, t)
			}
		}
		if t := speakable(c.buf); hasWord(t) {
			texts = append(texts, t)
		}
		c.buf = ""
		if len(texts) == 0 {
			texts = []string{""}
		}

		for i, t := range texts {
			ch := Chunk{Seq: c.seq, Text: t, Final: i == len(texts)-1}
			c.seq++
			if !yield(ch) {
				return
			}
		}
	}
}

// Next returns the sequence number the next chunk will carry.
func (c *Chunker) Next() int { return c.seq }

// cut removes and returns the next complete raw chunk from the buffer.
func (c *Chunker) cut() (string, bool) {
	s := strings.TrimLeft(c.buf, " \t\r\n")
	c.buf = s
	if s == "" {
		return "", false
	}

	end, next := findBoundary(s, c.step)
	if end <= 0 || utf8.RuneCountInString(s[:end]) > c.max {
		if utf8.RuneCountInString(s) <= c.max {
			return "", false
		}
		end = forcedSplit(s, c.max)
		next = end
	}
	c.buf = s[next:]
	if m := listMarker.FindStringSubmatch(s[:end]); m != nil {
		c.step, _ = strconv.Atoi(m[1])
	}
	return s[:end], true
}

// closers may follow terminal punctuation before the whitespace.
var closers = []string{`"`, `'`, ")", "]", "”", "’", "»"}

// findBoundary returns where the first complete chunk in s ends and where the
// remainder starts, or -1, -1 when s holds no boundary yet. step is the number
// of the last list item already cut.
func findBoundary(s string, step int) (end, next int) {
	if n, ok := markerAt(s); ok {
		step = n
	}
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == '\n':
			return i, i + 1

		case ch == '.' || ch == '!' || ch == '?':
			j := i + 1
			for j < len(s) {
				if s[j] == '.' || s[j] == '!' || s[j] == '?' {
					j++
					continue
				}
				if n := closerLen(s[j:]); n > 0 {
					j += n
					continue
				}
				break
			}
			if j >= len(s) {
				// Nothing after the punctuation yet: wait for more text.
				return -1, -1
			}
			if s[j] != ' ' && s[j] != '\t' && s[j] != '\r' && s[j] != '\n' {
				i = j - 1
				continue
			}
			if ch == '.' && j == i+1 && !endsSentence(s[:i]) {
				continue
			}
			return j, j

		case ch >= '1' && ch <= '9' && i > 0:
			// A list item inside running text starts its own chunk.
			if s[i-1] != ' ' && s[i-1] != '\t' {
				continue
			}
			n, ok := markerAt(s[i:])
			if !ok {
				continue
			}
			head := strings.TrimRight(s[:i], " \t")
			if head == "" {
				continue
			}
			if strings.HasSuffix(head, ":") || strings.HasSuffix(head, ",") || strings.HasSuffix(head, ";") ||
				n == 1 || (step > 0 && n == step+1) {
				return len(head), i
			}
		}
	}
	return -1, -1
}

func closerLen(s string) int {
	for _, c := range closers {
		if strings.HasPrefix(s, c) {
			return len(c)
		}
	}
	return 0
}

// abbreviations end with a period but never end a sentence.
var abbreviations = map[string]bool{
	"e.g": true, "i.e": true, "mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sr": true, "jr": true, "st": true, "vs": true, "approx": true,
	"fig": true, "cf": true,
}

// endsSentence reports whether a period directly after prefix ends a
// sentence. prefix starts where the pending chunk starts, so a number that is
// all of it is a list marker, while a number after other words is not.
func endsSentence(prefix string) bool {
	tok := prefix[strings.LastIndexAny(prefix, " \t\r\n(")+1:]
	if tok == "" {
		return true
	}
	if tok == prefix && isMarkerNumber(tok) {
		return false
	}
	if abbreviations[strings.ToLower(tok)] {
		return false
	}
	if r, size := utf8.DecodeRuneInString(tok); size == len(tok) && unicode.IsUpper(r) {
		// Initials such as "J. Smith".
		return false
	}
	return true
}

func isMarkerNumber(tok string) bool {
	if len(tok) == 0 || len(tok) > 2 {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	return true
}

// markerAt reports whether s starts with a list marker such as "1. " or
// "12) " and returns its number.
func markerAt(s string) (int, bool) {
	n := 0
	for n < len(s) && n < 3 && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 || n > 2 || n+1 >= len(s) {
		return 0, false
	}
	if s[n] != '.' && s[n] != ')' {
		return 0, false
	}
	if s[n+1] != ' ' && s[n+1] != '\t' {
		return 0, false
	}
	num, _ := strconv.Atoi(s[:n])
	return num, true
}

// forcedSplit picks a cut point within the first max runes of s: after the
// last clause punctuation, else at the last whitespace, else at max.
func forcedSplit(s string, max int) int {
	limit, n := len(s), 0
	for i := range s {
		if n == max {
			limit = i
			break
		}
		n++
	}
	window := s[:limit]

	for p := len(window) - 1; p > 0; p-- {
		switch window[p] {
		case ',', ';', ':':
			if p+1 >= len(s) || s[p+1] == ' ' || s[p+1] == '\t' || s[p+1] == '\n' {
				return p + 1
			}
		}
	}
	if p := strings.LastIndexAny(window, " \t"); p > 0 {
		// Never leave a bare list marker at the end of the chunk.
		head := strings.TrimRight(window[:p], " \t")
		tok := head[strings.LastIndexAny(head, " \t")+1:]
		if len(tok) > 1 && isMarkerNumber(tok[:len(tok)-1]) && (tok[len(tok)-1] == '.' || tok[len(tok)-1] == ')') {
			if q := len(head) - len(tok); q > 0 {
				return q
			}
		}
		return p
	}
	return limit
}

var (
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`^#{1,6}\s+`)
	mdBullet   = regexp.MustCompile(`^[-*+•]\s+`)
	listMarker = regexp.MustCompile(`^(\d{1,2})[.)](\s+|$)`)
	mdEmphasis = strings.NewReplacer("**", "", "__", "", "`", "", "*", "")
)

// speakable turns a raw chunk into text for synthesis: markdown is removed,
// whitespace collapsed, and a leading list marker spelled out as "Step N:".
func speakable(raw string) string {
	t := strings.TrimSpace(raw)
	t = mdHeading.ReplaceAllString(t, "")
	t = mdBullet.ReplaceAllString(t, "")
	t = mdLink.ReplaceAllString(t, "$1")
	t = mdEmphasis.Replace(t)
	t = strings.Join(strings.Fields(t), " ")

	if m := listMarker.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		rest := strings.TrimSpace(t[len(m[0]):])
		if n == 0 || rest == "" {
			return ""
		}
		return "Step " + numberWords(n) + ": " + rest
	}
	return t
}

// hasWord reports whether s contains a letter or digit.
func hasWord(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// numberWords spells out 0..99 in English.
func numberWords(n int) string {
	if n < 20 {
		return smallNumbers[n]
	}
	if n%10 == 0 {
		return tensWords[n/10]
	}
	return tensWords[n/10] + "-" + smallNumbers[n%10]
}
