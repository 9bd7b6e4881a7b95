// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package example

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/creachadair/renkei"
	"github.com/creachadair/renkei/handler"
	"github.com/creachadair/renkei/limiter"
	"github.com/creachadair/renkei/stream"
	"github.com/google/uuid"
)

// MaxNameLen is the maximum length of a first or last name, in characters.
const MaxNameLen = 50

// Options are settings for a [Service].
type Options struct {
	// If not nil, Limiter is applied to createUser calls, keyed by the host
	// address of the calling client.
	Limiter *limiter.Limiter

	// EventBuffer, if positive, bounds the number of undelivered events held
	// for each userCreated subscriber. Otherwise buffering is unbounded.
	EventBuffer int
}

// Service implements the routes of [App]. Users are held in memory.
type Service struct {
	lim *limiter.Limiter
	hub *stream.Hub[User]

	μ     sync.Mutex
	users []User
}

// NewService constructs a new empty Service.
func NewService(opts Options) *Service {
	return &Service{lim: opts.Limiter, hub: stream.NewHub[User](opts.EventBuffer)}
}

// Implementations returns the implementations of the routes of [App].
func (s *Service) Implementations() renkei.Implementations {
	return renkei.Implementations{
		"createUser":  renkei.ImplementHTTP(CreateUser, s.CreateUser),
		"getUsers":    renkei.ImplementHTTP(GetUsers, handler.Result(s.Users)),
		"userCreated": renkei.ImplementEvent(UserCreated, s.hub.Pump),
	}
}

// NewServer returns a server for [App] backed by s.
func (s *Service) NewServer(allowedOrigins ...string) (*renkei.Server, error) {
	return App.NewServer(renkei.ServerOptions{
		AllowedOrigins:  allowedOrigins,
		Implementations: s.Implementations(),
	})
}

// Close ends all userCreated streams.
func (s *Service) Close() { s.hub.Close() }

// CreateUser adds a user with the given names, after trimming surrounding
// whitespace. Rejections are reported by the status of the result, not as
// errors.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (CreateResult, error) {
	if s.lim != nil {
		id := limiter.RemoteHost(handler.RemoteAddr(ctx))
		switch res := s.lim.Limit(ctx, id).(type) {
		case limiter.Limited:
			return CreateResult{Status: StatusLimited, RetryAfter: &res.UnlockedAt}, nil
		case limiter.Fault:
			return CreateResult{Status: StatusUnexpectedError}, nil
		}
	}

	first := strings.TrimSpace(in.Firstname)
	last := strings.TrimSpace(in.Lastname)
	switch {
	case first == "":
		return CreateResult{Status: StatusFirstnameEmpty}, nil
	case last == "":
		return CreateResult{Status: StatusLastnameEmpty}, nil
	case utf8.RuneCountInString(first) > MaxNameLen:
		return CreateResult{Status: StatusFirstnameTooLong}, nil
	case utf8.RuneCountInString(last) > MaxNameLen:
		return CreateResult{Status: StatusLastnameTooLong}, nil
	}

	s.μ.Lock()
	for _, u := range s.users {
		if u.Firstname == first && u.Lastname == last {
			s.μ.Unlock()
			return CreateResult{Status: StatusAlreadyExists}, nil
		}
	}
	u := User{Identifier: uuid.NewString(), Firstname: first, Lastname: last}
	s.users = append(s.users, u)

	// Publish while holding the lock, so that events are ordered as the
	// directory is.
	s.hub.Publish(u)
	s.μ.Unlock()

	return CreateResult{Status: StatusSuccess, Message: "Created " + first}, nil
}

// Users returns a snapshot of the directory, in order of creation.
func (s *Service) Users(context.Context) []User {
	s.μ.Lock()
	defer s.μ.Unlock()
	return append([]User{}, s.users...)
}
