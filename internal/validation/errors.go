package validation

import "fmt"

// Error is one finding reported by a repository check.
type Error struct {
	File    string
	Line    int
	Message string
	Code    string
}

func (e Error) String() string {
	return fmt.Sprintf("%s:%d: [%s] %s", e.File, e.Line, e.Code, e.Message)
}
