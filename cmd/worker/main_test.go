package main

import (
	"testing"

	"github.com/odyssey-erp/fulfillment/internal/app"
	_ "github.com/odyssey-erp/fulfillment/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode")
	}
	main()
}
