package protocol

const (
	TypeAck   = "ack"
	TypeError = "error"
	TypeBoxes = "boxes"
)

// ClientMessage is the only inbound control message. UserID alone attaches the
// connection; a non-nil FavoritePairs also replaces the user's preferences.
type ClientMessage struct {
	UserID        string   `json:"userId"`
	FavoritePairs []string `json:"favoritePairs,omitempty"`
}

// HasPreferences reports whether favoritePairs was present, even as an empty list.
func (m ClientMessage) HasPreferences() bool { return m.FavoritePairs != nil }

type Response struct {
	Type    string      `json:"type"`           // "ack", "error", "boxes"
	Pair    string      `json:"pair,omitempty"` // set on "boxes" and stream errors
	Active  []string    `json:"active,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func Ack(active []string, msg string) Response {
	return Response{Type: TypeAck, Active: active, Message: msg}
}

func Error(msg string) Response {
	return Response{Type: TypeError, Message: msg}
}
