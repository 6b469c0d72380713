package chat

import "strings"

// Command is an in-chat control token.
type Command int

const (
	CmdNone Command = iota
	CmdStop
	CmdNext
	CmdReveal
)

func (c Command) String() string {
	switch c {
	case CmdStop:
		return "!stop"
	case CmdNext:
		return "!next"
	case CmdReveal:
		return "!reveal"
	}
	return ""
}

// ParseCommand recognizes a message that consists solely of !stop, !next or
// !reveal, ignoring case and surrounding whitespace. Anything else is
// ordinary chat text.
func ParseCommand(text string) Command {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "!stop":
		return CmdStop
	case "!next":
		return CmdNext
	case "!reveal":
		return CmdReveal
	}
	return CmdNone
}
