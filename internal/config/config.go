package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/possync/possync/internal/engine"
	"github.com/possync/possync/internal/movement"
	"github.com/possync/possync/internal/otel"
	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/internal/presence"
	"github.com/possync/possync/internal/telemetry"
	"github.com/possync/possync/internal/trace"
	"github.com/possync/possync/internal/transport"
)

// FileName is the config file looked up in the config directory.
const FileName = "possync.cfg.json"

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")
	viper.SetDefault("participantId", "")

	viper.SetDefault("relay.address", "ws://localhost:8080/relay")
	viper.SetDefault("relay.protocol", "websocket")

	tc := transport.DefaultConfig()
	viper.SetDefault("transport.backoffBase", tc.BackoffBase.String())
	viper.SetDefault("transport.backoffCap", tc.BackoffCap.String())
	viper.SetDefault("transport.maxRetries", tc.MaxRetries)
	viper.SetDefault("transport.connectTimeout", tc.ConnectTimeout.String())
	viper.SetDefault("transport.keepalive", tc.Keepalive.String())
	viper.SetDefault("transport.idleTimeout", tc.IdleTimeout.String())
	viper.SetDefault("transport.writeTimeout", tc.WriteTimeout.String())
	viper.SetDefault("transport.sendQueue", tc.SendQueue)
	viper.SetDefault("transport.maxLineBytes", tc.MaxLineBytes)

	mc := movement.DefaultConfig()
	viper.SetDefault("movement.sendIntervalTicks", mc.SendIntervalTicks)
	viper.SetDefault("movement.idleDebounceTicks", mc.IdleDebounceTicks)
	viper.SetDefault("movement.heartbeatTicks", mc.HeartbeatTicks)
	viper.SetDefault("movement.hintLeadTicks", mc.HintLeadTicks)
	viper.SetDefault("movement.predictStep", mc.PredictStep)

	pc := playback.DefaultConfig()
	viper.SetDefault("playback.defaultSegment", pc.DefaultSegment.String())
	viper.SetDefault("playback.minSegment", pc.MinSegment.String())
	viper.SetDefault("playback.maxSegment", pc.MaxSegment.String())
	viper.SetDefault("playback.padding", pc.Padding)
	viper.SetDefault("playback.teleportDistance", pc.TeleportDistance)
	viper.SetDefault("playback.maxExtrapolationDistance", pc.MaxExtrapolationDistance)
	viper.SetDefault("playback.maxExtrapolationTime", pc.MaxExtrapolationTime.String())
	viper.SetDefault("playback.maxQueue", pc.MaxQueue)

	viper.SetDefault("presence.staleAfter", "0s")

	viper.SetDefault("engine.tickRate", 60)
	viper.SetDefault("engine.renderGrid", 0.0)

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.url", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "possync")
	viper.SetDefault("influx.bucket", "possync")
	viper.SetDefault("influx.flushInterval", "1s")
	viper.SetDefault("influx.backupPath", "./logs/influx_backup.lp.gz")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "possync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("trace.enabled", true)
	viper.SetDefault("trace.maxWaypoints", 100000)
	viper.SetDefault("trace.buffer", 4096)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetTransportConfig returns the relay connection settings.
func GetTransportConfig() transport.Config {
	return transport.Config{
		BackoffBase:    viper.GetDuration("transport.backoffBase"),
		BackoffCap:     viper.GetDuration("transport.backoffCap"),
		MaxRetries:     viper.GetInt("transport.maxRetries"),
		ConnectTimeout: viper.GetDuration("transport.connectTimeout"),
		Keepalive:      viper.GetDuration("transport.keepalive"),
		IdleTimeout:    viper.GetDuration("transport.idleTimeout"),
		WriteTimeout:   viper.GetDuration("transport.writeTimeout"),
		SendQueue:      viper.GetInt("transport.sendQueue"),
		MaxLineBytes:   viper.GetInt("transport.maxLineBytes"),
	}
}

// GetMovementConfig returns the local movement classifier settings.
func GetMovementConfig() movement.Config {
	return movement.Config{
		SendIntervalTicks: viper.GetInt("movement.sendIntervalTicks"),
		IdleDebounceTicks: viper.GetInt("movement.idleDebounceTicks"),
		HeartbeatTicks:    viper.GetInt("movement.heartbeatTicks"),
		HintLeadTicks:     viper.GetInt("movement.hintLeadTicks"),
		PredictStep:       viper.GetFloat64("movement.predictStep"),
	}
}

// GetPlaybackConfig returns the remote playback settings.
func GetPlaybackConfig() playback.Config {
	return playback.Config{
		DefaultSegment:           viper.GetDuration("playback.defaultSegment"),
		MinSegment:               viper.GetDuration("playback.minSegment"),
		MaxSegment:               viper.GetDuration("playback.maxSegment"),
		Padding:                  viper.GetFloat64("playback.padding"),
		TeleportDistance:         viper.GetFloat64("playback.teleportDistance"),
		MaxExtrapolationDistance: viper.GetFloat64("playback.maxExtrapolationDistance"),
		MaxExtrapolationTime:     viper.GetDuration("playback.maxExtrapolationTime"),
		MaxQueue:                 viper.GetInt("playback.maxQueue"),
	}
}

// GetPresenceConfig returns the presence settings.
func GetPresenceConfig() presence.Config {
	return presence.Config{
		StaleAfter: viper.GetDuration("presence.staleAfter"),
	}
}

// GetEngineConfig assembles the full engine configuration.
func GetEngineConfig() engine.Config {
	return engine.Config{
		ParticipantID: viper.GetString("participantId"),
		Address:       viper.GetString("relay.address"),
		TickRate:      viper.GetInt("engine.tickRate"),
		RenderGrid:    viper.GetFloat64("engine.renderGrid"),
		Transport:     GetTransportConfig(),
		Movement:      GetMovementConfig(),
		Playback:      GetPlaybackConfig(),
		Presence:      GetPresenceConfig(),
	}
}

// GetTelemetryConfig returns the InfluxDB sink settings.
func GetTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       viper.GetBool("influx.enabled"),
		URL:           viper.GetString("influx.url"),
		Token:         viper.GetString("influx.token"),
		Org:           viper.GetString("influx.org"),
		Bucket:        viper.GetString("influx.bucket"),
		FlushInterval: viper.GetDuration("influx.flushInterval"),
		BackupPath:    viper.GetString("influx.backupPath"),
	}
}

// GetTraceConfig returns the session trace settings.
func GetTraceConfig() trace.Config {
	return trace.Config{
		Enabled:      viper.GetBool("trace.enabled"),
		MaxWaypoints: viper.GetInt("trace.maxWaypoints"),
		Buffer:       viper.GetInt("trace.buffer"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings. LogWriter is left for
// the caller to fill in.
func GetOTelConfig() otel.Config {
	return otel.Config{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}
