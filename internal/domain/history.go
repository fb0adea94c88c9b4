package domain

// HistoryUpdate is one immutable entry of a scene's change log.
type HistoryUpdate struct {
	ID          string      `json:"id"`
	ActorID     string      `json:"actorId"`
	DisplayName string      `json:"displayName"`
	Action      string      `json:"action"`
	Element     ElementKind `json:"element,omitempty"`
	ElementID   string      `json:"elementId,omitempty"`
	Property    string      `json:"property,omitempty"`
	From        any         `json:"from,omitempty"`
	To          any         `json:"to,omitempty"`
	TS          int64       `json:"ts"`
}

const (
	ActionCreate          = "create"
	ActionUpdate          = "update"
	ActionDelete          = "delete"
	ActionAccessed        = "accessed scene"
	ActionHostJoined      = "joined"
	ActionHostLeft        = "left"
	ActionModeratorMsg    = "moderator message"
	ActionForceDisconnect = "force disconnect"
	ActionChangePreset    = "change preset"
)
