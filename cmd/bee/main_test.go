package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanhaley32/sapphire-bee/internal/config"
)

func TestSetEnv(t *testing.T) {
	env := []string{"HOME=/home/claude", "GITHUB_TOKEN=old", "GITHUB_TOKENS=keep"}
	got := setEnv(env, "GITHUB_TOKEN", "new")
	assert.Equal(t, []string{"HOME=/home/claude", "GITHUB_TOKENS=keep", "GITHUB_TOKEN=new"}, got)
	assert.Equal(t, "GITHUB_TOKEN=old", env[1])
}

func TestParseExpectations(t *testing.T) {
	exps, err := parseExpectations([]string{"github.com=10.100.1.10", "api.anthropic.com=10.100.1.14"})
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, "github.com", exps[0].Host)
	assert.True(t, exps[0].Want.Equal(net.ParseIP("10.100.1.10")))

	for _, bad := range []string{"github.com", "=10.0.0.1", "github.com=nope"} {
		_, err := parseExpectations([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestStackEnv(t *testing.T) {
	cfg := &config.Config{ProjectPath: "/work/game", AnthropicAPIKey: "sk-ant"}
	cfg.GitHub.AppID = "42"
	assert.Equal(t, []string{
		"ANTHROPIC_API_KEY=sk-ant",
		"GITHUB_APP_ID=42",
		"PROJECT_PATH=/work/game",
	}, stackEnv(cfg))
}

func TestRequireTrees(t *testing.T) {
	assert.ErrorContains(t, requireTrees(&config.Config{ProjectPath: "/live"}), "STAGING_PATH")
	assert.ErrorContains(t, requireTrees(&config.Config{StagingPath: "/staging"}), "PROJECT_PATH")
	assert.ErrorContains(t, requireTrees(&config.Config{StagingPath: "/same", ProjectPath: "/same"}), "same directory")
	assert.NoError(t, requireTrees(&config.Config{StagingPath: "/staging", ProjectPath: "/live"}))
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "exit status 2", (&exitError{code: 2}).Error())
	assert.Equal(t, "3 finding(s)", (&exitError{code: 2, msg: "3 finding(s)"}).Error())
}
