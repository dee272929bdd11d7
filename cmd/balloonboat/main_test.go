package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/balloonboat/balloonboat/internal/app"
	_ "github.com/balloonboat/balloonboat/testing"
)

func TestMainReturnsInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	// Would dial Postgres and block on the listener outside test mode.
	main()
}
