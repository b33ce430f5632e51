package internal

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Host string `env:"HOST,default=localhost"`
	Port int    `env:"PORT,default=8080"`

	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	LockTTL            time.Duration `env:"LOCK_TTL,default=1s"`
	TeardownGrace      time.Duration `env:"TEARDOWN_GRACE,default=30s"`
	InactivityTimeout  time.Duration `env:"INACTIVITY_TIMEOUT,default=2m"`
	HousekeepingPeriod time.Duration `env:"HOUSEKEEPING_PERIOD,default=250ms"`
	DeliveryTimeout    time.Duration `env:"DELIVERY_TIMEOUT,default=1s"`
	IntentBufferSize   int           `env:"INTENT_BUFFER_SIZE,default=256"`
	OutboundBufferSize int           `env:"OUTBOUND_BUFFER_SIZE,default=64"`
	ChatHistoryLimit   int           `env:"CHAT_HISTORY_LIMIT,default=200"`

	AuthRequired    bool   `env:"AUTH_REQUIRED,default=false"`
	AuthTokenSecret string `env:"AUTH_TOKEN_SECRET"`

	// Comma separated. Empty means every project id is accepted.
	ProjectAllowlist string `env:"PROJECT_ALLOWLIST"`

	ModerationCharReplacement string `env:"MODERATION_CHARACTER_REPLACEMENT,default=*"`

	ArchiveEnabled bool   `env:"ARCHIVE_ENABLED,default=false"`
	BadgerFilepath string `env:"BADGER_FILEPATH,default=/tmp/roomlab"`

	DebugPort int `env:"DEBUG_PORT,default=8081"`
}

func (c Config) Validate() error {
	if c.AuthRequired && c.AuthTokenSecret == "" {
		return fmt.Errorf("AUTH_TOKEN_SECRET is required when AUTH_REQUIRED=true")
	}
	if c.ArchiveEnabled && c.BadgerFilepath == "" {
		return fmt.Errorf("BADGER_FILEPATH is required when ARCHIVE_ENABLED=true")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	return nil
}

func (c Config) AllowedProjects() []string {
	if strings.TrimSpace(c.ProjectAllowlist) == "" {
		return nil
	}
	parts := strings.Split(c.ProjectAllowlist, ",")
	projects := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			projects = append(projects, p)
		}
	}
	return projects
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"MODERATION_CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
