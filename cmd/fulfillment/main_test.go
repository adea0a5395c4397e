package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/app"
	_ "github.com/odyssey-erp/fulfillment/testing"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}

func TestRunCommandUsage(t *testing.T) {
	cfg := &app.Config{RedisAddr: "127.0.0.1:0"}
	require.ErrorContains(t, runCommand(context.Background(), cfg, []string{"serve"}), "usage")
	require.ErrorContains(t, runCommand(context.Background(), cfg, []string{"jobs", "trigger"}), "usage")
}
