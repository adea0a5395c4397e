package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("FULFILLMENT_TEST_MODE", "1")
		if os.Getenv("ENV_FILE") == "" {
			_ = os.Setenv("ENV_FILE", os.DevNull)
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
