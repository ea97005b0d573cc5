package config

import "errors"

var (
	// ErrMissingBaseURL is returned when a crawler has no base URL
	ErrMissingBaseURL = errors.New("base_url is required")
	// ErrInvalidBaseURL is returned when the base URL is not an absolute http(s) URL
	ErrInvalidBaseURL = errors.New("base_url must be an absolute http(s) URL")
	// ErrInvalidMaxPages is returned when max_pages is not greater than 0
	ErrInvalidMaxPages = errors.New("max_pages must be greater than 0")
	// ErrInvalidMaxDepth is returned when max_depth is negative
	ErrInvalidMaxDepth = errors.New("max_depth cannot be negative")
	// ErrInvalidConcurrency is returned when concurrent_requests is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrent_requests must be greater than 0")
	// ErrInvalidTimeout is returned when navigation_timeout is not greater than 0
	ErrInvalidTimeout = errors.New("navigation_timeout must be greater than 0")
	ErrUnknownEngine  = errors.New("unknown browser engine")
	ErrInvalidPattern = errors.New("invalid URL pattern")

	ErrInvalidWaitCondition  = errors.New("invalid wait condition")
	ErrInvalidExtractionRule = errors.New("extraction rule needs name and selector")
	ErrInvalidAuth           = errors.New("invalid auth configuration")
	// ErrInvalidBool is returned when a loosely typed boolean cannot be interpreted
	ErrInvalidBool = errors.New("invalid boolean value")
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
)
