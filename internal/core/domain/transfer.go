package domain

// MutationResult is the body returned by mutation endpoints:
// { success, message?, error?, ...extra }.
type MutationResult struct {
	Success bool
	Message string
	Error   string
	Extra   Record
}

// ServerMessage returns the most specific message the server gave, if any.
func (m MutationResult) ServerMessage() string {
	if m.Error != "" {
		return m.Error
	}
	return m.Message
}

// File is a binary payload produced by an export endpoint or synthesized locally.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Synthesized bool // built client-side from already-fetched records
}
