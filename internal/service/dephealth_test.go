package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewDephealthService_NoDependencies проверяет отсутствие сервиса без зависимостей.
func TestNewDephealthService_NoDependencies(t *testing.T) {
	ds, err := NewDephealthServiceWithRegisterer(DephealthConfig{
		ServiceID: "storage-orchestrator",
		Group:     "artstore",
	}, testLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Nil(t, ds)

	// Методы nil-сервиса безопасны
	assert.Empty(t, ds.Health())
	ds.Stop()
	assert.ErrorIs(t, ds.Start(t.Context()), errNoDependencies)
}

// TestNewDephealthService_HTTPDependencies проверяет создание сервиса с HTTP-зависимостями.
func TestNewDephealthService_HTTPDependencies(t *testing.T) {
	ds, err := NewDephealthServiceWithRegisterer(DephealthConfig{
		ServiceID:     "storage-orchestrator",
		Group:         "artstore",
		JWKSURL:       "http://keycloak:8080/realms/artstore/protocol/openid-connect/certs",
		S3URL:         "http://minio:9000",
		CheckInterval: 15 * time.Second,
		IsEntry:       true,
	}, testLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.NotNil(t, ds.Health())
}
