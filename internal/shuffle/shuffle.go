// Package shuffle implements the reversible per-session path transform.
// Outbound proxied paths are rotated through a session-unique dictionary so
// that middleboxes cannot pattern-match them; the transform is a plain
// bijection over a fixed alphabet, not encryption.
package shuffle

import (
	"math/rand"
	"strings"
)

// BaseDictionary is the fixed alphabet the transform operates on. Characters
// outside it pass through untouched, which keeps URL structure intact.
const BaseDictionary = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz~-"

// shuffledIndicator marks an already-transformed string so that Shuffle is
// idempotent and Unshuffle can reject plain input.
const shuffledIndicator = "_rhs"

// GenerateDictionary returns a fresh random permutation of BaseDictionary.
// Each session gets its own, generated at creation or when shuffling is
// toggled on.
func GenerateDictionary() string {
	perm := rand.Perm(len(BaseDictionary))
	out := make([]byte, len(BaseDictionary))
	for i, p := range perm {
		out[i] = BaseDictionary[p]
	}
	return string(out)
}

// Shuffler applies a single session's dictionary in both directions.
type Shuffler struct {
	dictionary string
}

// New returns a Shuffler over the given dictionary. The dictionary must be a
// permutation of BaseDictionary, as produced by GenerateDictionary.
func New(dictionary string) *Shuffler {
	return &Shuffler{dictionary: dictionary}
}

// Dictionary returns the dictionary this Shuffler was built with.
func (s *Shuffler) Dictionary() string {
	return s.dictionary
}

// Shuffle transforms str. Already-shuffled input is returned unchanged.
// Percent-escapes (%xx) are copied through so the result stays a valid URL
// path after decoding.
func (s *Shuffler) Shuffle(str string) string {
	if strings.HasPrefix(str, shuffledIndicator) {
		return str
	}

	var b strings.Builder
	b.Grow(len(shuffledIndicator) + len(str))
	b.WriteString(shuffledIndicator)
	for i := 0; i < len(str); i++ {
		char := str[i]
		idx := strings.IndexByte(BaseDictionary, char)
		switch {
		case char == '%' && len(str)-i >= 3:
			b.WriteByte(char)
			b.WriteByte(str[i+1])
			b.WriteByte(str[i+2])
			i += 2
		case idx == -1:
			b.WriteByte(char)
		default:
			// Position-dependent rotation: the same character maps
			// differently at each offset.
			b.WriteByte(s.dictionary[(idx+i)%len(BaseDictionary)])
		}
	}
	return b.String()
}

// Unshuffle recovers the original string. Input without the shuffled marker
// is returned unchanged.
func (s *Shuffler) Unshuffle(str string) string {
	if !strings.HasPrefix(str, shuffledIndicator) {
		return str
	}
	str = str[len(shuffledIndicator):]

	var b strings.Builder
	b.Grow(len(str))
	for i := 0; i < len(str); i++ {
		char := str[i]
		idx := strings.IndexByte(s.dictionary, char)
		switch {
		case char == '%' && len(str)-i >= 3:
			b.WriteByte(char)
			b.WriteByte(str[i+1])
			b.WriteByte(str[i+2])
			i += 2
		case idx == -1:
			b.WriteByte(char)
		default:
			orig := idx - i%len(BaseDictionary)
			if orig < 0 {
				orig += len(BaseDictionary)
			}
			b.WriteByte(BaseDictionary[orig])
		}
	}
	return b.String()
}
