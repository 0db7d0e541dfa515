// Package async provides scheduling and bookkeeping helpers shared by
// the ingestion and bundle-assembly pipelines.
package async

import (
	"context"
	"reflect"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "async")

// RunEvery invokes f with the loop context once per period until ctx is
// cancelled. The first invocation fires one full period after the call.
func RunEvery(ctx context.Context, period time.Duration, f func(context.Context)) {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.WithField("function", funcName).Trace("running")
				f(ctx)
			case <-ctx.Done():
				log.WithField("function", funcName).Debug("stopping periodic runner")
				return
			}
		}
	}()
}
