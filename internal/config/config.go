package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Loop      LoopConfig
	Quality   QualityConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	BodyLimitMB int
	PublicURL   string // base URL under which stems are served
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	DataDir     string // holds uploads/ and outputs/
	MaxUploadMB int
}

// UploadsDir is where archived input files live.
func (s StorageConfig) UploadsDir() string { return s.DataDir + "/uploads" }

// OutputsDir is where per-job stem directories live.
func (s StorageConfig) OutputsDir() string { return s.DataDir + "/outputs" }

type EngineConfig struct {
	FFmpegBin  string
	FFprobeBin string
	Timeout    time.Duration
}

type LoopConfig struct {
	Interval          time.Duration // scheduler tick period
	MaxAttempts       int           // enhancement attempts per artifact
	RetentionDays     int           // artifact retention horizon
	GraceHours        int           // unrecoverable-artifact grace period
	WorkerConcurrency int           // parallel engine invocations
}

// QualityConfig carries the per-check severity thresholds. All of these are
// tunable; defaults follow the heuristics the service shipped with.
type QualityConfig struct {
	// Bleed: energy share of the vocal band in the instrumental stem at
	// which severity reaches 1.0.
	BleedBandLowHz  float64
	BleedBandHighHz float64
	BleedRatioMax   float64

	// Clipping: sample ceiling and the clipped-sample fraction at which
	// severity reaches 1.0.
	ClipCeiling     float64
	ClipFractionMax float64

	// Silence: RMS level under which a stem counts as silent, and the
	// minimum duration a stem must have at all.
	SilenceRMSDB       float64
	MinDurationSeconds float64

	// Enhancement targets.
	PeakCeiling      float64
	LoudnessTargetDB float64

	// Feedback: negative votes (exceeding positives) that force a
	// re-score on the next loop pass.
	NegativeThreshold int
}

type RateLimitConfig struct {
	SeparatePerHour int
	FeedbackPerMin  int
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.body_limit_mb", "BODY_LIMIT_MB")
	_ = viper.BindEnv("server.public_url", "PUBLIC_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("storage.data_dir", "DATA_DIR")
	_ = viper.BindEnv("storage.max_upload_mb", "MAX_UPLOAD_MB")
	_ = viper.BindEnv("engine.ffmpeg_bin", "FFMPEG_BIN")
	_ = viper.BindEnv("engine.ffprobe_bin", "FFPROBE_BIN")
	_ = viper.BindEnv("engine.timeout_seconds", "ENGINE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("loop.interval_seconds", "REBUILD_INTERVAL_SECONDS")
	_ = viper.BindEnv("loop.max_attempts", "MAX_ENHANCE_ATTEMPTS")
	_ = viper.BindEnv("loop.retention_days", "RETENTION_DAYS")
	_ = viper.BindEnv("loop.grace_hours", "UNRECOVERABLE_GRACE_HOURS")
	_ = viper.BindEnv("loop.worker_concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("quality.negative_threshold", "FEEDBACK_NEGATIVE_THRESHOLD")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.body_limit_mb", 50)
	viper.SetDefault("server.public_url", "http://localhost:8000")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("storage.max_upload_mb", 30)
	viper.SetDefault("engine.ffmpeg_bin", "ffmpeg")
	viper.SetDefault("engine.ffprobe_bin", "ffprobe")
	viper.SetDefault("engine.timeout_seconds", 240)
	viper.SetDefault("loop.interval_seconds", 1800)
	viper.SetDefault("loop.max_attempts", 3)
	viper.SetDefault("loop.retention_days", 30)
	viper.SetDefault("loop.grace_hours", 24)
	viper.SetDefault("loop.worker_concurrency", 2)
	viper.SetDefault("quality.bleed_band_low_hz", 200.0)
	viper.SetDefault("quality.bleed_band_high_hz", 4000.0)
	viper.SetDefault("quality.bleed_ratio_max", 0.25)
	viper.SetDefault("quality.clip_ceiling", 0.999)
	viper.SetDefault("quality.clip_fraction_max", 0.01)
	viper.SetDefault("quality.silence_rms_db", -50.0)
	viper.SetDefault("quality.min_duration_seconds", 1.0)
	viper.SetDefault("quality.peak_ceiling", 0.97)
	viper.SetDefault("quality.loudness_target_db", -20.0)
	viper.SetDefault("quality.negative_threshold", 2)
	viper.SetDefault("ratelimit.separate_per_hour", 20)
	viper.SetDefault("ratelimit.feedback_per_min", 30)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        viper.GetString("server.port"),
			Env:         viper.GetString("server.env"),
			BodyLimitMB: viper.GetInt("server.body_limit_mb"),
			PublicURL:   strings.TrimRight(viper.GetString("server.public_url"), "/"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			DataDir:     strings.TrimRight(viper.GetString("storage.data_dir"), "/"),
			MaxUploadMB: viper.GetInt("storage.max_upload_mb"),
		},
		Engine: EngineConfig{
			FFmpegBin:  viper.GetString("engine.ffmpeg_bin"),
			FFprobeBin: viper.GetString("engine.ffprobe_bin"),
			Timeout:    time.Duration(viper.GetInt("engine.timeout_seconds")) * time.Second,
		},
		Loop: LoopConfig{
			Interval:          time.Duration(viper.GetInt("loop.interval_seconds")) * time.Second,
			MaxAttempts:       viper.GetInt("loop.max_attempts"),
			RetentionDays:     viper.GetInt("loop.retention_days"),
			GraceHours:        viper.GetInt("loop.grace_hours"),
			WorkerConcurrency: viper.GetInt("loop.worker_concurrency"),
		},
		Quality: QualityConfig{
			BleedBandLowHz:     viper.GetFloat64("quality.bleed_band_low_hz"),
			BleedBandHighHz:    viper.GetFloat64("quality.bleed_band_high_hz"),
			BleedRatioMax:      viper.GetFloat64("quality.bleed_ratio_max"),
			ClipCeiling:        viper.GetFloat64("quality.clip_ceiling"),
			ClipFractionMax:    viper.GetFloat64("quality.clip_fraction_max"),
			SilenceRMSDB:       viper.GetFloat64("quality.silence_rms_db"),
			MinDurationSeconds: viper.GetFloat64("quality.min_duration_seconds"),
			PeakCeiling:        viper.GetFloat64("quality.peak_ceiling"),
			LoudnessTargetDB:   viper.GetFloat64("quality.loudness_target_db"),
			NegativeThreshold:  viper.GetInt("quality.negative_threshold"),
		},
		RateLimit: RateLimitConfig{
			SeparatePerHour: viper.GetInt("ratelimit.separate_per_hour"),
			FeedbackPerMin:  viper.GetInt("ratelimit.feedback_per_min"),
		},
	}

	return cfg, nil
}
