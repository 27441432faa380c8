package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Debug               bool
	GuardName           string
	AuthSecret          string
	HeartbeatIdentifier string
	HeartbeatUrl        string
	FeedUrl             string
	FeedSyncInterval    time.Duration
	SqliteDbPath        string
	RulesFile           string
	ConfigFile          string
	ReportFile          string
	AttackCacheSize     int
	MaxConnections      int
	LogToLoki           bool
	LogOutput           string
	LokiAddress         string
	AdminListenAddr     string
	WsKeepalivePeriod   time.Duration
	SniffTraffic        bool
	CaptureInterfaces   []string
	RunSyslog           bool
	SyslogListenAddr    string
	SyslogPort          int
	NatsUrl             string
	NatsSubject         string
	SweepInterval       time.Duration
	SnapshotInterval    time.Duration

	// Detection holds the startup values of the hot-reloadable settings.
	Detection Settings
}

func Load() *Config {
	debug, _ := strconv.ParseBool(getEnv("DEBUG", "false"))
	logToLoki, _ := strconv.ParseBool(getEnv("LOG_TO_LOKI", "false"))
	sniff, _ := strconv.ParseBool(getEnv("SNIFF_TRAFFIC", "false"))
	runSyslog, _ := strconv.ParseBool(getEnv("RUN_SYSLOG", "false"))

	cfg := &Config{
		Debug:               debug,
		GuardName:           getEnv("TRAFFIC_GUARD_NAME", "traffic-guard"),
		AuthSecret:          getEnv("AUTH_SECRET", ""),
		HeartbeatIdentifier: getEnv("HEARTBEAT_IDENTIFIER", ""),
		HeartbeatUrl:        getEnv("HEARTBEAT_URL", ""),
		FeedUrl:             getEnv("FEED_URL", ""),
		FeedSyncInterval:    time.Duration(getEnvInt("FEED_SYNC_INTERVAL_SECONDS", 3600)) * time.Second,
		SqliteDbPath:        getEnv("SQLITE_DB_PATH", "/data/traffic_guard.db"),
		RulesFile:           getEnv("RULES_FILE", "/data/rules/firewall_rules.json"),
		ConfigFile:          getEnv("CONFIG_FILE", ""),
		ReportFile:          getEnv("REPORT_FILE", ""),
		AttackCacheSize:     getEnvInt("ATTACK_CACHE_SIZE", 1000),
		MaxConnections:      getEnvInt("MAX_CONNECTIONS", 10000),
		LogToLoki:           logToLoki,
		LogOutput:           getEnv("LOG_OUTPUT", "stdout"),
		LokiAddress:         getEnv("LOKI_ADDRESS", ""),
		AdminListenAddr:     getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		WsKeepalivePeriod:   30 * time.Second,
		SniffTraffic:        sniff,
		CaptureInterfaces:   getEnvList("CAPTURE_INTERFACES"),
		RunSyslog:           runSyslog,
		SyslogListenAddr:    getEnv("SYSLOG_LISTEN_ADDR", "0.0.0.0"),
		SyslogPort:          getEnvInt("SYSLOG_PORT", 514),
		NatsUrl:             getEnv("NATS_URL", ""),
		NatsSubject:         getEnv("NATS_SUBJECT", "trafficguard.events"),
		SweepInterval:       time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 1)) * time.Second,
		SnapshotInterval:    time.Duration(getEnvInt("SNAPSHOT_INTERVAL_SECONDS", 60)) * time.Second,
		Detection:           DefaultSettings(),
	}

	applyEnvSettings(&cfg.Detection)

	if cfg.ConfigFile != "" {
		if err := LoadFile(cfg.ConfigFile, &cfg.Detection); err != nil {
			log.Printf("Error loading config file '%s', keeping environment settings: %v", cfg.ConfigFile, err)
		}
	}

	return cfg
}

// applyEnvSettings overrides the detection defaults from the environment.
func applyEnvSettings(s *Settings) {
	s.Enabled = getEnvBool("GUARD_ENABLED", s.Enabled)
	s.DefaultPolicy = strings.ToUpper(getEnv("DEFAULT_POLICY", s.DefaultPolicy))
	s.DetectionWindow = getEnvInt("DETECTION_WINDOW", s.DetectionWindow)
	s.ThresholdPackets = getEnvInt("THRESHOLD_PACKETS", s.ThresholdPackets)
	s.ThresholdBytes = getEnvInt64("THRESHOLD_BYTES", s.ThresholdBytes)
	s.ThresholdConnections = getEnvInt("THRESHOLD_CONNECTIONS", s.ThresholdConnections)
	s.BlockDuration = getEnvInt("BLOCK_DURATION", s.BlockDuration)
	s.AutoBlock = getEnvBool("AUTO_BLOCK", s.AutoBlock)
	s.RateLimitEnabled = getEnvBool("RATE_LIMIT_ENABLED", s.RateLimitEnabled)
	s.ConnectionTimeout = getEnvInt("CONNECTION_TIMEOUT", s.ConnectionTimeout)
	s.MLEnabled = getEnvBool("ML_ENABLED", s.MLEnabled)
	if v := getEnvList("WHITELIST_IPS"); len(v) > 0 {
		s.WhitelistIPs = v
	}
	if v := getEnvList("BLACKLIST_IPS"); len(v) > 0 {
		s.BlacklistIPs = v
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	valueInt, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Error converting '%s' to int, using default %d: %v", key, defaultValue, err)
		return defaultValue
	}
	return valueInt
}

func getEnvInt64(key string, defaultValue int64) int64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	valueInt, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		log.Printf("Error converting '%s' to int64, using default %d: %v", key, defaultValue, err)
		return defaultValue
	}
	return valueInt
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Error converting '%s' to bool, using default %t: %v", key, defaultValue, err)
		return defaultValue
	}
	return value
}

// comma separated, blanks dropped
func getEnvList(key string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
