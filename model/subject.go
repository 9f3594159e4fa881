package model

import (
	"fmt"
	"strings"
)

// SubjectKind tells what a case or grant is about.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectChannel SubjectKind = "channel"
)

// Subject is the target of a recorded action: either a platform user or a
// non-user reference such as a locked channel.
type Subject struct {
	Kind SubjectKind
	ID   string
}

func UserSubject(id string) Subject {
	return Subject{Kind: SubjectUser, ID: id}
}

func ChannelSubject(id string) Subject {
	return Subject{Kind: SubjectChannel, ID: id}
}

func (s Subject) IsUser() bool {
	return s.Kind == SubjectUser
}

func (s Subject) IsChannel() bool {
	return s.Kind == SubjectChannel
}

// String renders the subject as "<kind>:<id>".
func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseSubject parses the form produced by String. A bare id is a user.
func ParseSubject(raw string) (Subject, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Subject{}, fmt.Errorf("empty subject")
	}
	kind, id, found := strings.Cut(raw, ":")
	if !found {
		return UserSubject(raw), nil
	}
	if id == "" {
		return Subject{}, fmt.Errorf("subject %q has no id", raw)
	}
	switch SubjectKind(kind) {
	case SubjectUser:
		return UserSubject(id), nil
	case SubjectChannel:
		return ChannelSubject(id), nil
	default:
		return Subject{}, fmt.Errorf("unknown subject kind %q", kind)
	}
}
