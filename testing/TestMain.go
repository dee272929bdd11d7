// Package testing puts the binaries into test mode. Blank-import it from a
// _test.go file and main() returns before dialling Postgres or Redis.
package testing

import (
	"os"
	"sync"
)

const modeEnv = "BALLOONBOAT_TEST_MODE"

// defaults are applied only when the variable is unset.
var defaults = map[string]string{
	"CASCADE_LOCK": "local",
	"LOG_LEVEL":    "error",
}

var once sync.Once

func init() {
	Enable()
}

// Enable sets the test mode flag and fills unset runtime settings with values
// that need no external services.
func Enable() {
	once.Do(func() {
		_ = os.Setenv(modeEnv, "1")
		for key, value := range defaults {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}
