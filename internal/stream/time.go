package stream

import (
	"context"
	"time"
)

// nowOrCtxDeadline stamps an append with the current time.
func nowOrCtxDeadline(_ context.Context) time.Time {
	return time.Now()
}
