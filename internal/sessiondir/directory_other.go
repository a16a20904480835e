//go:build !windows

package sessiondir

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

type utmpDirectory struct {
	users func() ([]host.UserStat, error)
}

// New creates a session directory backed by the utmp login records.
func New() Directory {
	return &utmpDirectory{users: host.Users}
}

func (d *utmpDirectory) ActiveConsoleSession() (Fact, error) {
	entries, err := d.users()
	if err != nil {
		return Fact{}, fmt.Errorf("%w: read login records: %w", ErrUnknown, err)
	}
	return consoleFact(entries), nil
}

// consoleFact picks the login record attached to the local console. Remote
// logins (ssh ptys, entries with a remote host) never count.
func consoleFact(entries []host.UserStat) Fact {
	for i, e := range entries {
		if e.Host != "" && e.Host != ":0" && !strings.HasPrefix(e.Host, ":0.") {
			continue
		}
		if !isConsoleTerminal(e.Terminal) {
			continue
		}
		user := strings.TrimSpace(e.User)
		if user == "" {
			return Fact{SessionID: i}
		}
		return Fact{LoggedIn: true, SessionID: i, UserName: user}
	}
	return NotLoggedIn()
}

func isConsoleTerminal(term string) bool {
	term = strings.TrimSpace(term)
	switch term {
	case "console", ":0", "seat0":
		return true
	}
	if strings.HasPrefix(term, "tty") && len(term) == 4 && term[3] >= '1' && term[3] <= '7' {
		return true
	}
	return false
}
