package store

import (
	"time"
)

// Session is an authorization request the user has granted. It is stored
// under the authorization code until the client redeems it.
type Session struct {
	TX    *Transaction `json:"tx"`
	Grant *Grant       `json:"grant"`
}

// Grant is the outcome of authentication and consent: who the user is,
// how and when they authenticated and which scopes they granted.
type Grant struct {
	UserID   string    `json:"userID"`
	LoginID  string    `json:"loginID"`
	Scopes   []string  `json:"scopes"`
	AuthTime time.Time `json:"authTime"`
	AMR      []string  `json:"amr"`
}

// Login is a browser login session at the identity provider. ID is the
// public session identifier exposed as the sid claim; it is distinct from
// the store key kept in the session cookie.
type Login struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userID"`
	AuthTime time.Time `json:"authTime"`
	AMR      []string  `json:"amr"`
	Provider string    `json:"provider,omitempty"`
}

func (s *Session) size() uint {
	var size uint
	if s.TX != nil {
		size += s.TX.size()
	}
	if s.Grant != nil {
		size += uint(len(s.Grant.UserID))
		size += uint(len(s.Grant.LoginID))
		size += sizeOfStrings(s.Grant.Scopes)
		size += sizeOfStrings(s.Grant.AMR)
	}
	return size
}

func (l *Login) size() uint {
	size := uint(len(l.ID))
	size += uint(len(l.UserID))
	size += uint(len(l.Provider))
	size += sizeOfStrings(l.AMR)
	return size
}

func sizeOfStrings(ss []string) uint {
	var size uint
	for _, s := range ss {
		size += uint(len(s))
	}
	return size
}
