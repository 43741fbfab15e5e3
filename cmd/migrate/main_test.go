package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://guard@localhost/guard")

	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "up", o.action)
	assert.Equal(t, "postgres://guard@localhost/guard", o.databaseURL)
	assert.Equal(t, 7*24*time.Hour, o.retention)

	o, err = parseFlags([]string{"-action=steps", "-steps=-2"})
	require.NoError(t, err)
	assert.Equal(t, -2, o.steps)

	o, err = parseFlags([]string{"-action=prune", "-retention=48h", "-database-url=postgres://other/db"})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, o.retention)
	assert.Equal(t, "postgres://other/db", o.databaseURL)
}

func TestParseFlags_Rejects(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://guard@localhost/guard")

	tests := map[string][]string{
		"unknown action":     {"-action=seed"},
		"zero steps":         {"-action=steps"},
		"negative retention": {"-action=prune", "-retention=-1h"},
		"empty database url": {"-database-url="},
		"unknown flag":       {"-verbose"},
	}

	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlags(args)
			assert.Error(t, err)
		})
	}
}
