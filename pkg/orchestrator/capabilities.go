package orchestrator

// Control names a user-facing control on the control surface.
type Control string

const (
	ControlChat        Control = "chat"
	ControlCamera      Control = "camera"
	ControlScreenShare Control = "screen-share"
	ControlMicrophone  Control = "microphone"
	ControlLeave       Control = "leave"
)

// CapabilitySet gates which controls the user may invoke.
type CapabilitySet struct {
	Chat             bool
	Camera           bool
	ScreenShare      bool
	Microphone       bool
	Leave            bool
	PreConnectBuffer bool
}

// ComputeCapabilities derives the capability set from static configuration.
// Absent flags simply disable the matching control.
func ComputeCapabilities(cfg Config) CapabilitySet {
	return CapabilitySet{
		Chat:             cfg.SupportsChatInput,
		Camera:           cfg.SupportsVideoInput,
		ScreenShare:      cfg.SupportsVideoInput,
		Microphone:       true,
		Leave:            true,
		PreConnectBuffer: cfg.IsPreConnectBufferEnabled,
	}
}

func (c CapabilitySet) Allows(ctrl Control) bool {
	switch ctrl {
	case ControlChat:
		return c.Chat
	case ControlCamera:
		return c.Camera
	case ControlScreenShare:
		return c.ScreenShare
	case ControlMicrophone:
		return c.Microphone
	case ControlLeave:
		return c.Leave
	default:
		return false
	}
}

// Controls lists every control in display order.
func Controls() []Control {
	return []Control{ControlMicrophone, ControlCamera, ControlScreenShare, ControlChat, ControlLeave}
}
