package domain

type InterfaceStatus uint8

const (
	// Waiting for user input
	InterfaceStatus_Normal InterfaceStatus = iota
	InterfaceStatus_Start
	InterfaceStatus_Error
)

func (s InterfaceStatus) String() string {
	switch s {
	case InterfaceStatus_Normal:
		return "NORMAL"
	case InterfaceStatus_Start:
		return "START"
	case InterfaceStatus_Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// DefaultDetail is the human readable text shown for a status when the
// terminal did not provide a more specific one.
func (s InterfaceStatus) DefaultDetail() string {
	switch s {
	case InterfaceStatus_Normal:
		return "Ready"
	case InterfaceStatus_Start:
		return "Starting up"
	case InterfaceStatus_Error:
		return "General error"
	}
	return ""
}

type BacklightStatus uint8

const (
	BacklightStatus_On BacklightStatus = iota
	BacklightStatus_Off
	BacklightStatus_Dimmed
)

func (s BacklightStatus) String() string {
	switch s {
	case BacklightStatus_On:
		return "ON"
	case BacklightStatus_Off:
		return "OFF"
	case BacklightStatus_Dimmed:
		return "DIMMED"
	}
	return "UNKNOWN"
}
