package relay

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPlatformTitle(t *testing.T) {
	assert.Equal(t, "Discord", PlatformTitle("discord"))
	assert.Equal(t, "Google Chat", PlatformTitle("google_chat"))
	assert.Equal(t, "Web", PlatformTitle("web"))
}

func TestFormatRelay(t *testing.T) {
	got := FormatRelay("discord", "James Smith", "first line\nsecond line", 500)
	assert.Equal(t, "📡 from Discord — James Smith:\n> first line\n> second line", got)
	assert.True(t, strings.HasPrefix(got, RelayPrefix))
}

func TestFormatRelayTruncates(t *testing.T) {
	got := FormatRelay("telegram", Unverified("james"), strings.Repeat("a", 600), 500)
	body := strings.TrimPrefix(got, "📡 from Telegram — james (unverified):\n> ")
	assert.Equal(t, 500, LogicalLength(body))
	assert.True(t, strings.HasSuffix(body, "..."))
}

func TestTruncateKeepsClustersWhole(t *testing.T) {
	s := strings.Repeat("👩‍👩‍👧", 10)
	got := Truncate(s, 5)
	assert.Equal(t, strings.Repeat("👩‍👩‍👧", 2)+"...", got)
	assert.Equal(t, s, Truncate(s, 10))
}

func TestFingerprint(t *testing.T) {
	scope := uuid.New()
	a := Fingerprint(scope, "discord", "c1", "m1", "james", "hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint(scope, "discord", "c1", "m1", "james", "hello"))
	assert.NotEqual(t, a, Fingerprint(scope, "discord", "c1", "m2", "james", "hello"))
	assert.NotEqual(t, a, Fingerprint(uuid.New(), "discord", "c1", "m1", "james", "hello"))
	// Field boundaries are unambiguous.
	assert.NotEqual(t,
		Fingerprint(scope, "ab", "c", "", "", ""),
		Fingerprint(scope, "a", "bc", "", "", ""))
	// Composed and decomposed forms hash the same.
	assert.Equal(t,
		Fingerprint(scope, "web", "c", "m", "h", "caf\u00e9"),
		Fingerprint(scope, "web", "c", "m", "h", "cafe\u0301"))
}

func TestAttemptIDIsStablePerTarget(t *testing.T) {
	assert.Equal(t, AttemptID("fp", "telegram"), AttemptID("fp", "telegram"))
	assert.NotEqual(t, AttemptID("fp", "telegram"), AttemptID("fp", "discord"))
}
