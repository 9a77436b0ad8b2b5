// Package scripts is the demo script catalog of the host. Every route and
// every sandbox binding it registers is gated on a capability, so it shows
// exactly what an anonymous visitor, a development visitor and a signed-in
// user are allowed to do.
package scripts

import "time"

// maxSourceBytes caps the size of one script.
const maxSourceBytes = 64 << 10

// Script is one stored script.
type Script struct {
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveInput is the body of PUT /scripts/:name.
type SaveInput struct {
	Source string `json:"source" form:"source"`
}

// EnvironmentResponse describes what a script run by the caller would see.
type EnvironmentResponse struct {
	User         map[string]any `json:"user"`
	Capabilities []string       `json:"capabilities"`
	Functions    []string       `json:"functions"`
}
