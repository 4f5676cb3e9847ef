package relay

import (
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"

	"github.com/aura-community/relay/internal/models"
)

// RelayPrefix marks text that is itself the output of a relay.
const RelayPrefix = "📡"

// Suppression reasons written to relay records.
const (
	SuppressRelayMarker = "relay_marker"
	SuppressEmpty       = "empty"
	SuppressEmojiOnly   = "emoji_only"
	SuppressTooShort    = "too_short"
)

// DefaultMinLength is the minimum logical length for a message to cross platforms.
const DefaultMinLength = 40

// Policy holds the filter thresholds.
type Policy struct {
	MinLength int
}

// Filter decides whether a message crosses platform boundaries. It holds no state.
type Filter struct {
	policy Policy
}

// NewFilter returns a filter for p. A non-positive MinLength falls back to the default.
func NewFilter(p Policy) *Filter {
	if p.MinLength <= 0 {
		p.MinLength = DefaultMinLength
	}
	return &Filter{policy: p}
}

// ShouldRelay reports whether msg should be relayed.
func (f *Filter) ShouldRelay(msg models.CanonicalMessage) bool {
	ok, _ := f.Evaluate(msg)
	return ok
}

// Evaluate is ShouldRelay plus the suppression reason when rejected.
func (f *Filter) Evaluate(msg models.CanonicalMessage) (bool, string) {
	if msg.RelayMarker {
		return false, SuppressRelayMarker
	}
	text := norm.NFC.String(strings.TrimSpace(msg.Text))
	if text == "" {
		return false, SuppressEmpty
	}
	if emojiOnly(text) {
		return false, SuppressEmojiOnly
	}
	if LogicalLength(text) < f.policy.MinLength {
		return false, SuppressTooShort
	}
	return true, ""
}

// LogicalLength counts user-perceived characters (grapheme clusters).
func LogicalLength(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

// emojiOnly reports whether s has at least one symbol and nothing alphanumeric.
// Joiners, variation selectors and whitespace are ignored.
func emojiOnly(s string) bool {
	symbols := 0
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return false
		case unicode.IsSymbol(r):
			symbols++
		case unicode.IsMark(r), unicode.Is(unicode.Cf, r), unicode.IsSpace(r):
		default:
			return false
		}
	}
	return symbols > 0
}
