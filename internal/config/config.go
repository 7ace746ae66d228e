package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort     int
	ChannelsConf string
	EPGDBPath    string

	TunerCount   int
	TunerCommand string
	FFmpegCmd    string

	EnablePreemption bool
	EnableEPG        bool

	TranscodeMode  string
	TranscodeCodec string

	VerboseLogging bool
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:         getEnvAsInt("PORT", 3000),
		ChannelsConf:     getEnv("CHANNELS_CONF", "channels.conf"),
		EPGDBPath:        getEnv("EPG_DB_PATH", "epg.db"),
		TunerCount:       getEnvAsInt("TUNER_COUNT", 2),
		TunerCommand:     getEnv("TUNER_COMMAND", "dvbv5-zap"),
		FFmpegCmd:        getEnv("FFMPEG_COMMAND", "ffmpeg"),
		EnablePreemption: getEnvAsBool("ENABLE_PREEMPTION", false),
		EnableEPG:        getEnvAsBool("ENABLE_EPG", true),
		TranscodeMode:    getEnv("TRANSCODE_MODE", "none"),
		TranscodeCodec:   getEnv("TRANSCODE_CODEC", "copy"),
		VerboseLogging:   getEnvAsBool("VERBOSE_LOGGING", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}
