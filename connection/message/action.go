package message

import "fmt"

type Action int

const (
	ActionHeartbeat    Action = 0
	ActionAck          Action = 1
	ActionNack         Action = 2
	ActionConnect      Action = 3
	ActionConnected    Action = 4
	ActionDisconnect   Action = 5
	ActionDisconnected Action = 6
	ActionClose        Action = 7
	ActionClosed       Action = 8
	ActionError        Action = 9
	ActionAttach       Action = 10
	ActionAttached     Action = 11
	ActionDetach       Action = 12
	ActionDetached     Action = 13
	ActionPresence     Action = 14
	ActionMessage      Action = 15
	ActionSync         Action = 16
	ActionAuth         Action = 17
	ActionActivate     Action = 18
	ActionAnnotation   Action = 21
)

var actionNames = map[Action]string{
	ActionHeartbeat:    "HEARTBEAT",
	ActionAck:          "ACK",
	ActionNack:         "NACK",
	ActionConnect:      "CONNECT",
	ActionConnected:    "CONNECTED",
	ActionDisconnect:   "DISCONNECT",
	ActionDisconnected: "DISCONNECTED",
	ActionClose:        "CLOSE",
	ActionClosed:       "CLOSED",
	ActionError:        "ERROR",
	ActionAttach:       "ATTACH",
	ActionAttached:     "ATTACHED",
	ActionDetach:       "DETACH",
	ActionDetached:     "DETACHED",
	ActionPresence:     "PRESENCE",
	ActionMessage:      "MESSAGE",
	ActionSync:         "SYNC",
	ActionAuth:         "AUTH",
	ActionActivate:     "ACTIVATE",
	ActionAnnotation:   "ANNOTATION",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(a))
}

// AckRequired reports whether messages with this action are assigned a
// msgSerial and held until the service acknowledges them
func (a Action) AckRequired() bool {
	return a == ActionMessage || a == ActionPresence || a == ActionAnnotation
}

type Flag int64

const (
	FlagHasPresence  Flag = 1 << 0
	FlagHasBacklog   Flag = 1 << 1
	FlagResumed      Flag = 1 << 2
	FlagTransient    Flag = 1 << 4
	FlagAttachResume Flag = 1 << 5

	// Channel modes
	FlagPresence            Flag = 1 << 16
	FlagPublish             Flag = 1 << 17
	FlagSubscribe           Flag = 1 << 18
	FlagPresenceSubscribe   Flag = 1 << 19
	FlagAnnotationPublish   Flag = 1 << 21
	FlagAnnotationSubscribe Flag = 1 << 22

	FlagModeAll = FlagPresence | FlagPublish | FlagSubscribe | FlagPresenceSubscribe |
		FlagAnnotationPublish | FlagAnnotationSubscribe
)

type ChannelMode string

const (
	ModePresence            ChannelMode = "PRESENCE"
	ModePublish             ChannelMode = "PUBLISH"
	ModeSubscribe           ChannelMode = "SUBSCRIBE"
	ModePresenceSubscribe   ChannelMode = "PRESENCE_SUBSCRIBE"
	ModeAnnotationPublish   ChannelMode = "ANNOTATION_PUBLISH"
	ModeAnnotationSubscribe ChannelMode = "ANNOTATION_SUBSCRIBE"
)

var modeFlags = []struct {
	mode ChannelMode
	flag Flag
}{
	{ModePresence, FlagPresence},
	{ModePublish, FlagPublish},
	{ModeSubscribe, FlagSubscribe},
	{ModePresenceSubscribe, FlagPresenceSubscribe},
	{ModeAnnotationPublish, FlagAnnotationPublish},
	{ModeAnnotationSubscribe, FlagAnnotationSubscribe},
}

func ModesToFlags(modes []ChannelMode) Flag {
	var flags Flag
	for _, mode := range modes {
		for _, mf := range modeFlags {
			if mf.mode == mode {
				flags |= mf.flag
			}
		}
	}
	return flags
}

func FlagsToModes(flags Flag) []ChannelMode {
	var modes []ChannelMode
	for _, mf := range modeFlags {
		if flags&mf.flag != 0 {
			modes = append(modes, mf.mode)
		}
	}
	return modes
}
