package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Init builds the service logger. Production logs JSON for the aggregator;
// everything else gets human-readable text.
func Init(level, environment string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
	}

	log.SetOutput(os.Stdout)
	return log
}
