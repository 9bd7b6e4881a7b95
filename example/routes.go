// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package example defines a small user directory served with renkei. It is
// used by the renkei command-line tool and by tests.
//
// The application has three routes:
//
//   - createUser adds a user, subject to a per-client rate limit.
//   - getUsers lists the users created so far.
//   - userCreated streams each user as it is created.
package example

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/renkei"
)

// A User is an entry in the directory.
type User struct {
	Identifier string `json:"identifier"`
	Firstname  string `json:"firstname"`
	Lastname   string `json:"lastname"`
}

// NewUser is the input to createUser.
type NewUser struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// Status is the outcome of createUser.
type Status string

// Status values reported by createUser.
const (
	StatusSuccess          Status = "SUCCESS"
	StatusLimited          Status = "LIMITED"
	StatusUnexpectedError  Status = "UNEXPECTED_ERROR"
	StatusFirstnameEmpty   Status = "FIRSTNAME_EMPTY"
	StatusLastnameEmpty    Status = "LASTNAME_EMPTY"
	StatusFirstnameTooLong Status = "FIRSTNAME_TOO_LONG"
	StatusLastnameTooLong  Status = "LASTNAME_TOO_LONG"
	StatusAlreadyExists    Status = "USER_ALREADY_EXISTS"
)

var knownStatus = mapset.New(
	StatusSuccess, StatusLimited, StatusUnexpectedError,
	StatusFirstnameEmpty, StatusLastnameEmpty,
	StatusFirstnameTooLong, StatusLastnameTooLong,
	StatusAlreadyExists,
)

// CreateResult is the output of createUser. Message is set only for
// [StatusSuccess], and RetryAfter only for [StatusLimited].
type CreateResult struct {
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	RetryAfter *time.Time `json:"retryAfter,omitempty"`
}

func checkResult(r CreateResult) error {
	if !knownStatus.Has(r.Status) {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	switch r.Status {
	case StatusSuccess:
		if r.Message == "" {
			return fmt.Errorf("status %s requires a message", r.Status)
		}
	case StatusLimited:
		if r.RetryAfter == nil {
			return fmt.Errorf("status %s requires a retry time", r.Status)
		}
	}
	return nil
}

func checkUser(u User) error {
	if u.Identifier == "" {
		return errors.New("user has no identifier")
	}
	return nil
}

// Routes of the application.
var (
	CreateUser = renkei.NewHTTPRoute(
		renkei.Required(renkei.JSON[NewUser](), "firstname", "lastname"),
		renkei.JSON[CreateResult](checkResult),
	)
	GetUsers    = renkei.NewHTTPRoute(renkei.Null(), renkei.JSON[[]User]())
	UserCreated = renkei.NewEventRoute(renkei.JSON[User](checkUser))

	App = renkei.NewApplication(renkei.Routes{
		"createUser":  CreateUser,
		"getUsers":    GetUsers,
		"userCreated": UserCreated,
	})
)
