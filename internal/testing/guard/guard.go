package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("FULFILLMENT_TEST_MODE") == "" {
			_ = os.Setenv("FULFILLMENT_TEST_MODE", "1")
		}
	})
}
