package forcesub

import (
	"strings"
	"unicode/utf8"
)

// CallbackPayload extracts the routing payload from a callback query event.
//
// It returns "" for non-callback events and for data that is empty or not UTF-8.
func CallbackPayload(event *Event) string {
	if event == nil || event.Kind != EventKindCallbackQuery || event.Interaction == nil {
		return ""
	}
	data := event.Interaction.Data
	if len(data) == 0 || !utf8.Valid(data) {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// Command is a parsed slash command.
type Command struct {
	Name string
	Args string
	// Mention is the bot username after '@' when present.
	Mention string
}

// ParseCommand parses "/name[@bot] args" from message text.
func ParseCommand(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return Command{}, false
	}

	head, args, _ := strings.Cut(trimmed[1:], " ")
	name, mention, _ := strings.Cut(head, "@")
	if name == "" {
		return Command{}, false
	}

	return Command{
		Name:    strings.ToLower(name),
		Args:    strings.TrimSpace(args),
		Mention: mention,
	}, true
}

// DeepLinkURL builds the t.me start link that opens the bot with code.
func DeepLinkURL(botUsername, code string) string {
	return "https://t.me/" + strings.TrimPrefix(botUsername, "@") + "?start=" + code
}
