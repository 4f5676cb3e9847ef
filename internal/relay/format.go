package relay

import (
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultMaxContent caps relayed message bodies, in logical characters.
const DefaultMaxContent = 500

const ellipsis = "..."

// PlatformTitle renders a platform key for humans: "google_chat" -> "Google Chat".
func PlatformTitle(platform string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(platform, "_", " "))
}

// Truncate shortens s to at most max grapheme clusters, ending with "..." when cut.
func Truncate(s string, max int) string {
	if max <= 0 || uniseg.GraphemeClusterCount(s) <= max {
		return s
	}
	keep := max - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for i := 0; i < keep && g.Next(); i++ {
		b.WriteString(g.Str())
	}
	return strings.TrimRight(b.String(), " \t\n") + ellipsis
}

// FormatRelay builds the outbound text: a header naming the source platform and the
// attribution, then the body quoted line by line.
func FormatRelay(sourcePlatform, attribution, text string, maxContent int) string {
	body := Truncate(strings.TrimSpace(text), maxContent)
	var b strings.Builder
	b.WriteString(RelayPrefix)
	b.WriteString(" from ")
	b.WriteString(PlatformTitle(sourcePlatform))
	b.WriteString(" — ")
	b.WriteString(attribution)
	b.WriteString(":")
	for _, line := range strings.Split(body, "\n") {
		b.WriteString("\n> ")
		b.WriteString(line)
	}
	return b.String()
}

// Unverified annotates a raw handle that resolved to no verified member.
func Unverified(handle string) string {
	return handle + " (unverified)"
}
