package sampledir

import (
	"time"

	"github.com/moonfire-go/nvrcore/internal/logger"
	"github.com/moonfire-go/nvrcore/internal/moontime"
)

// RetryForever calls op until it succeeds or shutdown is closed, logging
// each failure and backing off between attempts. Directory I/O errors
// (a sample file dir gone missing, a disk briefly full) are assumed
// transient and operator-visible rather than fatal to the process: the
// syncer and writer both rely on this to keep retrying sync/flush work
// rather than wedging a stream because of a momentary ENOSPC.
func RetryForever(clocks moontime.Clocks, log *logger.Logger, shutdown <-chan struct{}, what string, op func() error) bool {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		err := op()
		if err == nil {
			return true
		}
		log.Warn("%s failed, retrying in %s: %v", what, backoff, err)
		clocks.Sleep(backoff, shutdown)
		select {
		case <-shutdown:
			return false
		default:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
