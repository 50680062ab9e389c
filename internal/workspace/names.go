package workspace

import (
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

const maxChannelName = 100

// channelNames maps fixed channel kinds to their display names
var channelNames = map[models.ChannelKind]string{
	models.ChannelGeneralText:   "general",
	models.ChannelGeneralVoice:  "general",
	models.ChannelCredentials:   "🔑-credentials",
	models.ChannelNotes:         "📝-notes",
	models.ChannelBotCommands:   "🤖-bot-cmds",
	models.ChannelAnnouncements: "📣-announcements",
	models.ChannelSolves:        "🎉-solves",
	models.ChannelScoreboard:    "📈-scoreboard",
}

// ChannelName returns the display name of a fixed channel kind
func ChannelName(kind models.ChannelKind) string {
	return channelNames[kind]
}

func channelType(kind models.ChannelKind) ChannelType {
	if kind == models.ChannelGeneralVoice {
		return ChannelVoice
	}
	return ChannelText
}

func channelVisibility(kind models.ChannelKind) Visibility {
	switch kind {
	case models.ChannelGeneralText, models.ChannelGeneralVoice:
		return VisibilityInherit
	}
	return VisibilityReadOnly
}

// SanitizeChannelName turns arbitrary text into a valid text channel name:
// lower case, words joined by dashes, punctuation dropped
func SanitizeChannelName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			dash = false
		case unicode.IsSpace(r) || r == '-':
			if !dash && b.Len() > 0 {
				b.WriteRune('-')
				dash = true
			}
		}
	}

	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		out = "unnamed"
	}
	return truncateRunes(out, maxChannelName)
}

// TaskChannelName returns the channel name of an unsolved task
func TaskChannelName(category, name string) string {
	return truncateRunes("❌-"+SanitizeChannelName(category+"-"+name), maxChannelName)
}

// DeriveColour maps a name to a stable RGB colour
func DeriveColour(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() & 0xFFFFFF)
}

// RoleMention renders a role mention
func RoleMention(roleID string) string {
	return "<@&" + roleID + ">"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
