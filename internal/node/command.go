package node

// CommandKind classifies a command payload.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandCalibrate
	CommandRestart
)

// String returns the command's wire name, or "unknown".
func (k CommandKind) String() string {
	switch k {
	case CommandCalibrate:
		return "calibrate"
	case CommandRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// Command is a parsed command payload. Raw keeps the text as received.
type Command struct {
	Kind CommandKind
	Raw  string
}

// ParseCommand classifies text. Matching is exact and case-sensitive;
// anything else is CommandUnknown.
func ParseCommand(text string) Command {
	switch text {
	case "calibrate":
		return Command{Kind: CommandCalibrate, Raw: text}
	case "restart":
		return Command{Kind: CommandRestart, Raw: text}
	default:
		return Command{Kind: CommandUnknown, Raw: text}
	}
}
