package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestObserversSafeBeforeInit ensures every observer is a no-op until Init
// registers the collectors.
func TestObserversSafeBeforeInit(t *testing.T) {
	require.NotPanics(t, func() {
		ObserveUpsert(1, 2, 3)
		ObserveBatch(true)
		ObserveBatch(false)
		ObserveExtractionReject()
		ObserveBackoff(8 * time.Second)
		ObserveRateLimitSignal()
		ObserveRun("DONE")
		ObserveCheckpointSave()
	})
}

func TestInitIdempotentAndObservable(t *testing.T) {
	Init()
	Init() // second call is a no-op

	require.NotNil(t, recordsTotal)
	require.NotNil(t, backoffSeconds)
	require.NotNil(t, Handler())

	require.NotPanics(t, func() {
		ObserveUpsert(5, 1, 0)
		ObserveBatch(true)
		ObserveBackoff(16 * time.Second)
		ObserveRun("FAILED")
		ObserveCheckpointSave()
	})
}
