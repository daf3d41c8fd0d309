package connect

import (
	"fmt"

	"github.com/golang/glog"
)


// Logging convention in the `connect` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - stream interruptions, reconnect attempts, and fatal subscription errors
//     - backend credential rejections
// Warning/Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics in consumer callbacks even if handled and suppressed
// V(1):
//     lifecycle events - connection open/close, session transitions
// V(2):
//     per-message trace debugging - subscribe, next, complete, request, merge
//
// Tags:
//     [s] stream connection, [r] request executor, [session] session state machine,
//     [store] entity store, [router] transport router


const LogLevelUrgent = glog.Level(0)
const LogLevelInfo = glog.Level(1)
const LogLevelDebug = glog.Level(2)


type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if level == LogLevelUrgent || glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s %s", tag, m)
	}
}
