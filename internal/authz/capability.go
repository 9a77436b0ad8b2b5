// Package authz turns a validated session (or its absence) into the set of
// operations a request may perform. Capabilities form a closed enumeration
// stored as a bitmask; resolution is a pure function of the deployment
// mode and the caller.
package authz

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
)

// Capability is one atomic permission checked before a sensitive host
// operation is allowed.
type Capability uint8

const (
	ReadScripts Capability = iota
	WriteScripts
	DeleteScripts
	ReadAssets
	WriteAssets
	DeleteAssets
	ViewLogs
	WriteStorage

	numCapabilities
)

var capabilityNames = [numCapabilities]string{
	ReadScripts:   "read_scripts",
	WriteScripts:  "write_scripts",
	DeleteScripts: "delete_scripts",
	ReadAssets:    "read_assets",
	WriteAssets:   "write_assets",
	DeleteAssets:  "delete_assets",
	ViewLogs:      "view_logs",
	WriteStorage:  "write_storage",
}

// String returns the snake_case name used in JSON and config.
func (c Capability) String() string {
	if c >= numCapabilities {
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
	return capabilityNames[c]
}

// Mutating reports whether c changes server-side state.
func (c Capability) Mutating() bool {
	switch c {
	case WriteScripts, DeleteScripts, WriteAssets, DeleteAssets, WriteStorage:
		return true
	}
	return false
}

// ParseCapability looks up a capability by name.
func ParseCapability(name string) (Capability, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range capabilityNames {
		if n == name {
			return Capability(i), true
		}
	}
	return 0, false
}

// All returns every capability in declaration order.
func All() []Capability {
	out := make([]Capability, numCapabilities)
	for i := range out {
		out[i] = Capability(i)
	}
	return out
}

// Set is an immutable set of capabilities.
type Set uint64

// NewSet builds a set from caps.
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		if c < numCapabilities {
			s |= 1 << c
		}
	}
	return s
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	return c < numCapabilities && s&(1<<c) != 0
}

// Union returns s ∪ o.
func (s Set) Union(o Set) Set { return s | o }

// SubsetOf reports whether every member of s is in o.
func (s Set) SubsetOf(o Set) bool { return s&^o == 0 }

// StrictSubsetOf reports s ⊂ o.
func (s Set) StrictSubsetOf(o Set) bool { return s.SubsetOf(o) && s != o }

// HasMutating reports whether any member is mutating.
func (s Set) HasMutating() bool {
	for _, c := range s.Slice() {
		if c.Mutating() {
			return true
		}
	}
	return false
}

// Len returns the number of members.
func (s Set) Len() int { return bits.OnesCount64(uint64(s)) }

// Slice lists the members in declaration order.
func (s Set) Slice() []Capability {
	out := make([]Capability, 0, s.Len())
	for c := Capability(0); c < numCapabilities; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Strings lists member names in declaration order.
func (s Set) Strings() []string {
	caps := s.Slice()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}

// MarshalJSON encodes the set as a list of names.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// String implements fmt.Stringer.
func (s Set) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}
