package stepflow

import "go.jetify.com/typeid"

// NewRunID returns a new prefixed TypeID for a workflow run
func NewRunID() string {
	return newID("run")
}

// NewRequestID returns a new prefixed TypeID for a pending request
func NewRequestID() string {
	return newID("req")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
