package events

import "fmt"

// FieldID names a runtime value that a presentation layer may want to refresh.
// Values match the custom characteristic item ids used by companion apps.
type FieldID byte

const (
	FieldIncline         FieldID = 0x02
	FieldFTMSMode        FieldID = 0x10
	FieldShifterPosition FieldID = 0x17
	FieldTargetPosition  FieldID = 0x19
	FieldExternalControl FieldID = 0x1A
	FieldSyncMode        FieldID = 0x1B
)

func (f FieldID) String() string {
	switch f {
	case FieldIncline:
		return "incline"
	case FieldFTMSMode:
		return "ftms_mode"
	case FieldShifterPosition:
		return "shifter_position"
	case FieldTargetPosition:
		return "target_position"
	case FieldExternalControl:
		return "external_control"
	case FieldSyncMode:
		return "sync_mode"
	default:
		return fmt.Sprintf("field(0x%02X)", byte(f))
	}
}

// FieldHub is the notification sink for "field changed" events.
// Notify must stay cheap: it is called from the control tick.
type FieldHub struct {
	changed *ChannelEvent[FieldID]
}

func NewFieldHub() *FieldHub {
	return &FieldHub{changed: NewChannelEvent[FieldID](false)}
}

func (h *FieldHub) Notify(field FieldID) {
	h.changed.Notify(field)
}

// Listen registers ch for field change events. Slow listeners drop events.
func (h *FieldHub) Listen(ch chan<- FieldID) func() {
	return h.changed.Listen(ch)
}

func (h *FieldHub) ListenerCount() int {
	return h.changed.ListenerCount()
}
