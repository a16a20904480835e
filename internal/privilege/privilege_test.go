package privilege

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpErrorUnwraps(t *testing.T) {
	err := error(&OpError{Op: "lock", SessionID: 2, Err: ErrHelperTimeout})
	assert.ErrorIs(t, err, ErrHelperTimeout)
	assert.Contains(t, err.Error(), "lock session 2")

	var opErr *OpError
	assert.True(t, errors.As(err, &opErr))
	assert.Equal(t, 2, opErr.SessionID)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultHelperTimeout, o.HelperTimeout)
	assert.Equal(t, DefaultAttempts, o.Attempts)
	assert.Equal(t, HelperName(), filepath.Base(o.HelperPath))

	custom := Options{HelperPath: "/opt/helper", HelperTimeout: time.Second, Attempts: 5, Backoff: 0}.withDefaults()
	assert.Equal(t, "/opt/helper", custom.HelperPath)
	assert.Equal(t, time.Second, custom.HelperTimeout)
	assert.Equal(t, 5, custom.Attempts)
	assert.Equal(t, time.Duration(0), custom.Backoff)
}

func TestRequireSystemMatchesRunningAsSystem(t *testing.T) {
	if RunningAsSystem() {
		assert.NoError(t, RequireSystem())
	} else {
		assert.ErrorIs(t, RequireSystem(), ErrNotPrivileged)
	}
}
