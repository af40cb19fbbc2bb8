package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "sensor-samples", cfg.KafkaSamplesTopic)
	assert.Equal(t, "earthquake-reports", cfg.KafkaReportsTopic)
	assert.Equal(t, "quake-sentinel", cfg.KafkaGroupID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "./data/history.db", cfg.HistoryPath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.LocationCacheTTL)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBroker)

	assert.False(t, cfg.PushEnabled)
	assert.Empty(t, cfg.PushGatewayURL)
	assert.Equal(t, 5*time.Second, cfg.PushTimeout)

	assert.Equal(t, 1.0, cfg.Sensitivity)
	assert.Equal(t, 2*time.Second, cfg.MinEventDuration)
	assert.Equal(t, 10*time.Second, cfg.DetectionCooldown)
	assert.Equal(t, 20*time.Second, cfg.LocationTimeout)

	assert.Equal(t, 3.5, cfg.WaveSpeedKmPerSec)
	assert.Equal(t, 1.0, cfg.WarningMinDistanceKm)
	assert.Equal(t, 10.0, cfg.WarningUrgentSeconds)
	assert.Equal(t, 24*time.Hour, cfg.WarningLookback)
	assert.Equal(t, time.Second, cfg.WarningSettleDelay)

	assert.Equal(t, 30*time.Minute, cfg.FalseAlarmLock)
	assert.Equal(t, time.Minute, cfg.DefenseWatchInterval)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	t.Setenv("KAFKA_SAMPLES_TOPIC", "custom-samples")
	t.Setenv("KAFKA_REPORTS_TOPIC", "custom-reports")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("SENSITIVITY", "1.5")
	t.Setenv("WAVE_SPEED_KM_PER_SEC", "6.0")
	t.Setenv("WARNING_URGENT_SECONDS", "15")
	t.Setenv("FALSE_ALARM_LOCK", "45m")
	t.Setenv("PUSH_GATEWAY_URL", "https://push.example.com")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-samples", cfg.KafkaSamplesTopic)
	assert.Equal(t, "custom-reports", cfg.KafkaReportsTopic)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 1.5, cfg.Sensitivity)
	assert.Equal(t, 6.0, cfg.WaveSpeedKmPerSec)
	assert.Equal(t, 15.0, cfg.WarningUrgentSeconds)
	assert.Equal(t, 45*time.Minute, cfg.FalseAlarmLock)
	assert.True(t, cfg.PushEnabled)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoad_InvalidSensitivity(t *testing.T) {
	t.Setenv("SENSITIVITY", "3.0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENSITIVITY")
}

func TestLoad_SensitivityBelowRange(t *testing.T) {
	t.Setenv("SENSITIVITY", "0.1")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENSITIVITY")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("DETECTION_MIN_DURATION", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DETECTION_MIN_DURATION")
}

func TestLoad_NegativeShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "-1s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_InvalidWaveSpeed(t *testing.T) {
	t.Setenv("WAVE_SPEED_KM_PER_SEC", "-3.5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAVE_SPEED_KM_PER_SEC")
}

func TestLoad_PushEnabledWithoutURL(t *testing.T) {
	t.Setenv("PUSH_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUSH_GATEWAY_URL")
}

func TestLoad_PushURLImpliesEnabled(t *testing.T) {
	t.Setenv("PUSH_GATEWAY_URL", "https://push.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.PushEnabled)
}

func TestLoad_PushExplicitlyDisabled(t *testing.T) {
	t.Setenv("PUSH_GATEWAY_URL", "https://push.example.com")
	t.Setenv("PUSH_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.PushEnabled)
}

func TestLoad_InvalidRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_DB")
}
