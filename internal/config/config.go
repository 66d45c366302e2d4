// Package config provides configuration management for avdemux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultBufferDuration       = 30 * time.Second
	defaultMaxAudioPackets      = 200
	defaultMaxErrors            = 30
	defaultSubtitleSlots        = 2
	defaultSeekInQueueWindow    = time.Second
	defaultSeekInQueueVideo     = 10 * time.Second
	defaultQueueFullPoll        = 20 * time.Millisecond
	defaultInterruptBackoff     = 5 * time.Millisecond
	defaultOpenTimeout          = 5 * time.Minute
	defaultReadTimeout          = 10 * time.Second
	defaultReadLiveTimeout      = 20 * time.Second
	defaultSeekTimeout          = 8 * time.Second
	defaultCloseTimeout         = time.Second
	defaultMaxPreloadSize       = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout          = 30 * time.Second
	defaultRetryAttempts        = 3
	defaultRetryDelay           = time.Second
	defaultUserAgent            = "avdemux"
	defaultIndexMaxSize         = 512 * 1024 * 1024 // 512MB
	defaultHLSRefreshMin        = 500 * time.Millisecond
	defaultSRTLatency           = 120 * time.Millisecond
	defaultSRTConnectionTimeout = 3 * time.Second
	maxSubtitleSlots            = 8
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Demuxer  DemuxerConfig  `mapstructure:"demuxer"`
	Backends BackendsConfig `mapstructure:"backends"`
	Status   StatusConfig   `mapstructure:"status"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DemuxerConfig holds the read loop, buffering and input handling settings.
type DemuxerConfig struct {
	BufferDuration  time.Duration `mapstructure:"buffer_duration"`
	BufferPackets   int           `mapstructure:"buffer_packets"`    // 0 = unlimited
	MaxAudioPackets int           `mapstructure:"max_audio_packets"` // 0 = unlimited
	MaxErrors       int           `mapstructure:"max_errors"`

	AllowInterrupts         bool     `mapstructure:"allow_interrupts"`
	AllowReadInterrupts     bool     `mapstructure:"allow_read_interrupts"`
	AllowTimeouts           bool     `mapstructure:"allow_timeouts"`
	ExcludeInterruptFormats []string `mapstructure:"exclude_interrupt_formats"`

	AllowFindStreamInfo bool   `mapstructure:"allow_find_stream_info"`
	ForceFormat         string `mapstructure:"force_format"`

	FormatOptions          map[string]string `mapstructure:"format_options"`
	AudioFormatOptions     map[string]string `mapstructure:"audio_format_options"`
	SubtitlesFormatOptions map[string]string `mapstructure:"subtitles_format_options"`

	FormatOptionsToUnderlying    bool              `mapstructure:"format_options_to_underlying"`
	DefaultHTTPQueryToUnderlying bool              `mapstructure:"default_http_query_to_underlying"`
	ExtraHTTPQueryParams         map[string]string `mapstructure:"extra_http_query_params"`

	HLSLiveSeek   bool `mapstructure:"hls_live_seek"`
	SubtitleSlots int  `mapstructure:"subtitle_slots"`

	SeekInQueueWindow      time.Duration `mapstructure:"seek_in_queue_window"`
	SeekInQueueVideoWindow time.Duration `mapstructure:"seek_in_queue_video_window"`
	QueueFullPoll          time.Duration `mapstructure:"queue_full_poll"`
	InterruptBackoff       time.Duration `mapstructure:"interrupt_backoff"`

	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Subtitles SubtitlesConfig `mapstructure:"subtitles"`
}

// TimeoutsConfig holds the interrupter deadlines per blocking call.
type TimeoutsConfig struct {
	Open     time.Duration `mapstructure:"open"`
	Read     time.Duration `mapstructure:"read"`
	ReadLive time.Duration `mapstructure:"read_live"`
	Seek     time.Duration `mapstructure:"seek"`
	Close    time.Duration `mapstructure:"close"`
}

// SubtitlesConfig holds external text subtitle settings.
type SubtitlesConfig struct {
	// MaxPreloadSize is the largest text subtitle file decoded in memory.
	// Supports human-readable values like "10MB" or raw byte counts.
	MaxPreloadSize ByteSize `mapstructure:"max_preload_size"`
}

// BackendsConfig holds per backend settings.
type BackendsConfig struct {
	HTTP   HTTPBackendConfig   `mapstructure:"http"`
	MPEGTS MPEGTSBackendConfig `mapstructure:"mpegts"`
	HLS    HLSBackendConfig    `mapstructure:"hls"`
	SRT    SRTBackendConfig    `mapstructure:"srt"`
}

// HTTPBackendConfig configures the HTTP input client.
type HTTPBackendConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// MPEGTSBackendConfig configures the transport stream backend.
type MPEGTSBackendConfig struct {
	// IndexMaxSize is the largest seekable input that is indexed at open.
	IndexMaxSize ByteSize `mapstructure:"index_max_size"`
}

// HLSBackendConfig configures the HLS backend.
type HLSBackendConfig struct {
	RefreshMin time.Duration `mapstructure:"refresh_min"`
}

// SRTBackendConfig configures srt:// inputs.
type SRTBackendConfig struct {
	Latency           time.Duration `mapstructure:"latency"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// StatusConfig holds the optional status endpoint configuration.
type StatusConfig struct {
	Addr string `mapstructure:"addr"` // empty = disabled
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with AVDEMUX_ and use underscores for nesting.
// Example: AVDEMUX_DEMUXER_MAX_ERRORS=10.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".avdemux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.AddConfigPath("/etc/avdemux")
	}

	v.SetEnvPrefix("AVDEMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Demuxer defaults
	v.SetDefault("demuxer.buffer_duration", defaultBufferDuration)
	v.SetDefault("demuxer.buffer_packets", 0)
	v.SetDefault("demuxer.max_audio_packets", defaultMaxAudioPackets)
	v.SetDefault("demuxer.max_errors", defaultMaxErrors)
	v.SetDefault("demuxer.allow_interrupts", true)
	v.SetDefault("demuxer.allow_read_interrupts", true)
	v.SetDefault("demuxer.allow_timeouts", true)
	v.SetDefault("demuxer.exclude_interrupt_formats", []string{"rtsp"})
	v.SetDefault("demuxer.allow_find_stream_info", true)
	v.SetDefault("demuxer.force_format", "")
	v.SetDefault("demuxer.format_options_to_underlying", true)
	v.SetDefault("demuxer.default_http_query_to_underlying", true)
	v.SetDefault("demuxer.hls_live_seek", true)
	v.SetDefault("demuxer.subtitle_slots", defaultSubtitleSlots)
	v.SetDefault("demuxer.seek_in_queue_window", defaultSeekInQueueWindow)
	v.SetDefault("demuxer.seek_in_queue_video_window", defaultSeekInQueueVideo)
	v.SetDefault("demuxer.queue_full_poll", defaultQueueFullPoll)
	v.SetDefault("demuxer.interrupt_backoff", defaultInterruptBackoff)
	v.SetDefault("demuxer.timeouts.open", defaultOpenTimeout)
	v.SetDefault("demuxer.timeouts.read", defaultReadTimeout)
	v.SetDefault("demuxer.timeouts.read_live", defaultReadLiveTimeout)
	v.SetDefault("demuxer.timeouts.seek", defaultSeekTimeout)
	v.SetDefault("demuxer.timeouts.close", defaultCloseTimeout)
	v.SetDefault("demuxer.subtitles.max_preload_size", defaultMaxPreloadSize)

	// Backend defaults
	v.SetDefault("backends.http.timeout", defaultHTTPTimeout)
	v.SetDefault("backends.http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("backends.http.retry_delay", defaultRetryDelay)
	v.SetDefault("backends.http.user_agent", defaultUserAgent)
	v.SetDefault("backends.mpegts.index_max_size", defaultIndexMaxSize)
	v.SetDefault("backends.hls.refresh_min", defaultHLSRefreshMin)
	v.SetDefault("backends.srt.latency", defaultSRTLatency)
	v.SetDefault("backends.srt.connection_timeout", defaultSRTConnectionTimeout)

	// Status endpoint defaults
	v.SetDefault("status.addr", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Demuxer validation
	d := c.Demuxer
	if d.BufferDuration <= 0 {
		return fmt.Errorf("demuxer.buffer_duration must be positive")
	}
	if d.BufferPackets < 0 {
		return fmt.Errorf("demuxer.buffer_packets must not be negative")
	}
	if d.MaxAudioPackets < 0 {
		return fmt.Errorf("demuxer.max_audio_packets must not be negative")
	}
	if d.MaxErrors < 1 {
		return fmt.Errorf("demuxer.max_errors must be at least 1")
	}
	if d.SubtitleSlots < 1 || d.SubtitleSlots > maxSubtitleSlots {
		return fmt.Errorf("demuxer.subtitle_slots must be between 1 and %d", maxSubtitleSlots)
	}
	if d.SeekInQueueWindow < 0 || d.SeekInQueueVideoWindow < 0 {
		return fmt.Errorf("demuxer.seek_in_queue windows must not be negative")
	}
	if d.QueueFullPoll <= 0 {
		return fmt.Errorf("demuxer.queue_full_poll must be positive")
	}
	t := d.Timeouts
	if t.Open < 0 || t.Read < 0 || t.ReadLive < 0 || t.Seek < 0 || t.Close < 0 {
		return fmt.Errorf("demuxer.timeouts must not be negative")
	}
	if d.Subtitles.MaxPreloadSize < 0 {
		return fmt.Errorf("demuxer.subtitles.max_preload_size must not be negative")
	}

	// Backend validation
	if c.Backends.HTTP.Timeout <= 0 {
		return fmt.Errorf("backends.http.timeout must be positive")
	}
	if c.Backends.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("backends.http.retry_attempts must not be negative")
	}
	if c.Backends.MPEGTS.IndexMaxSize < 0 {
		return fmt.Errorf("backends.mpegts.index_max_size must not be negative")
	}
	if c.Backends.SRT.Latency < 0 {
		return fmt.Errorf("backends.srt.latency must not be negative")
	}

	return nil
}
