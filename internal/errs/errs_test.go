package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDependencyErrorAs(t *testing.T) {
	var err error = &DependencyError{Reason: DependencyCycle, Detail: "x.service -> y.service -> x.service"}

	var depErr *DependencyError
	assert.True(t, errors.As(err, &depErr))
	assert.Equal(t, DependencyCycle, depErr.Reason)
	assert.Contains(t, depErr.Error(), "Cycle")
}

func TestSpawnErrorUnwrap(t *testing.T) {
	wrapped := errors.New("fork: resource temporarily unavailable")
	err := &SpawnError{Unit: "a.service", Reason: SpawnForkFailed, Err: wrapped}

	assert.ErrorIs(t, err, wrapped)
	assert.Contains(t, err.Error(), "a.service")
}

func TestReliabilityErrorFatal(t *testing.T) {
	corrupt := &ReliabilityError{Reason: ReliabilityStoreCorrupt, Err: errors.New("bad magic")}
	ambiguous := &ReliabilityError{Reason: ReliabilityReplayAmbiguous, Err: errors.New("two frames for one unit")}

	assert.True(t, corrupt.Fatal())
	assert.False(t, ambiguous.Fatal())
}

func TestReasonStringers(t *testing.T) {
	assert.Equal(t, "NotFound", LoadNotFound.String())
	assert.Equal(t, "ForkFailed", SpawnForkFailed.String())
	assert.Equal(t, "WatchdogTimeout", RuntimeWatchdogTimeout.String())
	assert.Equal(t, "Unauthorized", ControlUnauthorized.String())
}
