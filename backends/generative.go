package backends

// SequenceDelta is one decoded fragment of a generation.
type SequenceDelta struct {
	Token string
	Index int
}
