package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ServiceName — имя сервиса в логах, guardrail-событиях и Kafka client id.
const ServiceName = "billing"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func GetCommit() string { return commit }

func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", ServiceName, version, commit, date)
}

// Fields возвращает сведения о сборке для стартового лога.
func Fields() log.Fields {
	return log.Fields{
		"service": ServiceName,
		"version": version,
		"commit":  commit,
		"date":    date,
	}
}
