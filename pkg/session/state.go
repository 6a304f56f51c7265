package session

import (
	"taplog/pkg/transport"
)

// Kind discriminates State.
type Kind uint8

const (
	KindDisconnected Kind = iota
	KindAnonymous
	KindAuthenticated
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// State is the session of one device. The zero value is Disconnected and a
// profile name is only carried by Authenticated.
type State struct {
	kind    Kind
	profile string
}

func Disconnected() State {
	return State{kind: KindDisconnected}
}

func Anonymous() State {
	return State{kind: KindAnonymous}
}

func Authenticated(profile string) State {
	if profile == "" || profile == transport.AnonymousProfile {
		return Anonymous()
	}
	return State{kind: KindAuthenticated, profile: profile}
}

// FromDevice maps the device's session report onto State.
func FromDevice(s transport.SessionState) State {
	return Authenticated(s.Name)
}

func (s State) Kind() Kind {
	return s.kind
}

func (s State) Profile() string {
	return s.profile
}

func (s State) IsLogged() bool {
	return s.kind == KindAuthenticated
}

func (s State) String() string {
	if s.kind == KindAuthenticated {
		return "authenticated(" + s.profile + ")"
	}
	return s.kind.String()
}
