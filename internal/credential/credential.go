// Package credential locates the bearer token and user id persisted by the
// dashboard's login flow.
package credential

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrMissing is returned when no token is stored locally.
var ErrMissing = errors.New("credential: no token stored")

// Credential is the opaque bearer token plus the cached user id sent with the
// authenticate handshake.
type Credential struct {
	Token  string
	UserID string
}

// Source yields the current credential. It is consulted on every connect so
// that a fresh login is picked up without restarting.
type Source interface {
	Credential() (Credential, error)
}

// Static is a fixed credential.
type Static Credential

// Credential implements Source.
func (s Static) Credential() (Credential, error) {
	if s.Token == "" {
		return Credential{}, ErrMissing
	}
	return Credential(s), nil
}

// Env reads the credential from environment variables.
type Env struct {
	TokenVar  string
	UserIDVar string
}

// DefaultEnv reads LIVESYNC_TOKEN and LIVESYNC_USER_ID.
func DefaultEnv() Env {
	return Env{TokenVar: "LIVESYNC_TOKEN", UserIDVar: "LIVESYNC_USER_ID"}
}

// Credential implements Source.
func (e Env) Credential() (Credential, error) {
	token := strings.TrimSpace(os.Getenv(e.TokenVar))
	if token == "" {
		return Credential{}, ErrMissing
	}
	return Credential{Token: token, UserID: strings.TrimSpace(os.Getenv(e.UserIDVar))}, nil
}

// File reads the session saved by the login flow: a JSON document with the
// token and the cached user record.
//
//	{"token": "...", "user": {"_id": "...", "name": "..."}}
type File struct {
	Path string
}

type sessionFile struct {
	Token string `json:"token"`
	User  struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	} `json:"user"`
}

// Credential implements Source.
func (f File) Credential() (Credential, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, ErrMissing
		}
		return Credential{}, errors.Wrapf(err, "credential: read %s", f.Path)
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return Credential{}, errors.Wrapf(err, "credential: parse %s", f.Path)
	}
	if sf.Token == "" {
		return Credential{}, ErrMissing
	}

	userID := sf.User.MongoID
	if userID == "" {
		userID = sf.User.ID
	}
	return Credential{Token: sf.Token, UserID: userID}, nil
}

// Chain tries each source in order and returns the first credential found.
// Errors other than ErrMissing stop the search.
type Chain []Source

// Credential implements Source.
func (c Chain) Credential() (Credential, error) {
	for _, s := range c {
		cred, err := s.Credential()
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrMissing) {
			return Credential{}, err
		}
	}
	return Credential{}, ErrMissing
}
