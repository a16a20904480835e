//go:build windows

package sessiondir

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsDirectory struct{}

// New creates a Windows session directory using the WTS API.
func New() Directory {
	return &windowsDirectory{}
}

var (
	modWtsapi32             = windows.NewLazySystemDLL("wtsapi32.dll")
	procWTSFreeMemory       = modWtsapi32.NewProc("WTSFreeMemory")
	procWTSQuerySessionInfo = modWtsapi32.NewProc("WTSQuerySessionInformationW")
)

const (
	wtsCurrentServerHandle = 0
	wtsUserName            = 5
	wtsDomainName          = 7

	// WTSGetActiveConsoleSessionId returns this while the console is
	// attached to no session (e.g. mid session switch).
	noConsoleSession = 0xFFFFFFFF
)

func (d *windowsDirectory) ActiveConsoleSession() (Fact, error) {
	id := windows.WTSGetActiveConsoleSessionId()
	if id == noConsoleSession {
		return NotLoggedIn(), nil
	}

	user, err := querySessionString(id, wtsUserName)
	if err != nil {
		return Fact{}, fmt.Errorf("%w: query user of session %d: %w", ErrUnknown, id, err)
	}
	user = strings.TrimSpace(user)
	if user == "" {
		// Console sits at the logon screen.
		return Fact{SessionID: int(id)}, nil
	}

	domain, err := querySessionString(id, wtsDomainName)
	if err != nil {
		log.Debug("domain lookup failed", "sessionId", id, "error", err)
	}

	return Fact{
		LoggedIn:        true,
		SessionID:       int(id),
		UserName:        user,
		Domain:          strings.TrimSpace(domain),
		IsAdministrator: sessionIsAdministrator(id),
	}, nil
}

func querySessionString(sessionID uint32, infoClass uint32) (string, error) {
	var buf uintptr
	var bytesReturned uint32

	r1, _, err := procWTSQuerySessionInfo.Call(
		wtsCurrentServerHandle,
		uintptr(sessionID),
		uintptr(infoClass),
		uintptr(unsafe.Pointer(&buf)),
		uintptr(unsafe.Pointer(&bytesReturned)),
	)
	if r1 == 0 {
		return "", fmt.Errorf("WTSQuerySessionInformation(class=%d): %w", infoClass, err)
	}
	if buf == 0 {
		return "", nil
	}
	defer procWTSFreeMemory.Call(buf)

	if bytesReturned <= 2 {
		return "", nil
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(buf))), nil
}

// sessionIsAdministrator checks BUILTIN\Administrators membership on the
// session user's token, falling back to the UAC linked (elevated) token.
// Returns nil when the token cannot be inspected.
func sessionIsAdministrator(sessionID uint32) *bool {
	var token windows.Token
	if err := windows.WTSQueryUserToken(sessionID, &token); err != nil {
		log.Debug("WTSQueryUserToken failed during admin check", "sessionId", sessionID, "error", err)
		return nil
	}
	defer token.Close()

	adminSID, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return nil
	}

	member, err := tokenIsMember(token, adminSID)
	if err != nil {
		log.Debug("admin membership check failed", "sessionId", sessionID, "error", err)
		return nil
	}
	if !member {
		if linked, lerr := token.GetLinkedToken(); lerr == nil {
			defer linked.Close()
			if m, merr := tokenIsMember(linked, adminSID); merr == nil {
				member = m
			}
		}
	}
	return &member
}

func tokenIsMember(token windows.Token, sid *windows.SID) (bool, error) {
	var impersonation windows.Token
	err := windows.DuplicateTokenEx(
		token,
		windows.TOKEN_QUERY|windows.TOKEN_DUPLICATE,
		nil,
		windows.SecurityIdentification,
		windows.TokenImpersonation,
		&impersonation,
	)
	if err != nil {
		return false, fmt.Errorf("DuplicateTokenEx: %w", err)
	}
	defer impersonation.Close()

	return impersonation.IsMember(sid)
}
