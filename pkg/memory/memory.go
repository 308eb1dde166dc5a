package memory

// Role identifies the speaker of a turn.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// Turn is a single message in a conversation.
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Store keeps a bounded history of turns per participant.
type Store interface {
	// Load reads the durable snapshot. Failures yield an empty mapping.
	Load() map[string][]Turn
	// Append adds a turn to the participant window and persists the store.
	Append(participant string, turn Turn) error
	// Window returns the participant turns, oldest first.
	Window(participant string) []Turn
	// Persist writes the whole store to the durable snapshot.
	Persist() error
}
