package securelog

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Error logs an error without including user-provided data.
// It records the caller location and error type chain.
func Error(context string, err error) {
	emit(log.Error(), context, err)
}

// Warn is Error for degraded but non-fatal conditions.
func Warn(context string, err error) {
	emit(log.Warn(), context, err)
}

func emit(evt *zerolog.Event, context string, err error) {
	if err == nil {
		evt.Discard()
		return
	}
	evt = evt.Str("at", callerLocation(3)).Str("types", strings.Join(errorTypes(err), "->"))
	if context != "" {
		evt = evt.Str("context", context)
	}
	evt.Msg("error")
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
