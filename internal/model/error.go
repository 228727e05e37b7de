package model

// AppError is the structured payload carried by every error this pipeline
// surfaces. Codes are stable English identifiers meant for tests and
// machine consumption; messages are what the CLI shows to people.
type AppError struct {
	Code    string
	Message string
	Stage   string

	URL     string
	Line    int    // 1-based; 0 means "not set"
	Snippet string // <= 200 chars
	Field   string // offending field for malformed-uri errors
	Hint    string
}
