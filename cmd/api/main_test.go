package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunReturnsStartupErrors(t *testing.T) {
	t.Setenv("WAREHOUSE_TIMEZONE", "Mars/Olympus")
	err := run()
	assert.ErrorContains(t, err, "warehouse.timezone")

	t.Setenv("WAREHOUSE_TIMEZONE", "UTC")
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("DATABASE_URL", "sqlite://"+t.TempDir()+"/warehouse.db")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:0")
	err = run()
	assert.ErrorContains(t, err, "auth")
}
