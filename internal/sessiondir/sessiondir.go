// Package sessiondir resolves the interactive session bound to the physical
// console and the identity logged into it.
package sessiondir

import (
	"errors"

	"github.com/parental/agent/internal/logging"
)

var log = logging.L("sessiondir")

// NoSession is the session id reported when no console session exists.
const NoSession = -1

// ErrUnknown marks a transient failure to resolve the console identity.
// Callers skip the current iteration instead of guessing a verdict.
var ErrUnknown = errors.New("sessiondir: console session state unknown")

// Fact is a point-in-time view of the console session. It is recomputed on
// every enforcement tick and never cached.
type Fact struct {
	LoggedIn  bool   `json:"loggedIn" yaml:"loggedIn"`
	SessionID int    `json:"sessionId" yaml:"sessionId"`
	UserName  string `json:"userName,omitempty" yaml:"userName,omitempty"`
	Domain    string `json:"domain,omitempty" yaml:"domain,omitempty"`
	// IsAdministrator is nil when the group membership could not be read.
	IsAdministrator *bool `json:"isAdministrator,omitempty" yaml:"isAdministrator,omitempty"`
}

// NotLoggedIn is the Fact for a host with no console session at all.
func NotLoggedIn() Fact {
	return Fact{SessionID: NoSession}
}

// QualifiedName renders DOMAIN\user when a domain is known.
func (f Fact) QualifiedName() string {
	if f.Domain == "" {
		return f.UserName
	}
	return f.Domain + `\` + f.UserName
}

// Directory answers which session currently owns the console.
type Directory interface {
	// ActiveConsoleSession returns the console session. A wrapped ErrUnknown
	// means the OS query failed transiently.
	ActiveConsoleSession() (Fact, error)
}
