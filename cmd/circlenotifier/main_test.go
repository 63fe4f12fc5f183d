package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-circle-notifier/notificationservice/config"
	"gopkg.in/yaml.v3"
)

func TestSubscriptionPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Setenv("SUBSCRIPTION_ID", "alerts-sub")

	cfg, err := config.UpdateConfigWithEnvOverrides(&config.Config{ProjectID: "proj"}, logger)
	require.NoError(t, err)

	assert.Equal(t, "projects/proj/subscriptions/alerts-sub", subscriptionPath(cfg))
}

func TestEmbeddedConfigParses(t *testing.T) {
	var yamlCfg config.YamlConfig
	require.NoError(t, yaml.Unmarshal(configFile, &yamlCfg))
	assert.Equal(t, "Monitoring User", yamlCfg.MonitoringRole)
	assert.Empty(t, yamlCfg.SubscriptionID)
}
