package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

const levelEnvKey = "SQLBUS_LOG_LEVEL"

// NewLogger creates a component logger carrying the component name on
// every entry. Level is taken from SQLBUS_LOG_LEVEL when set.
func NewLogger(loggerName string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if lvl, err := logrus.ParseLevel(os.Getenv(levelEnvKey)); err == nil {
		logger.SetLevel(lvl)
	}
	logger.AddHook(componentHook{name: loggerName})
	return logger
}

type componentHook struct {
	name string
}

func (componentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h componentHook) Fire(entry *logrus.Entry) error {
	entry.Data["component"] = h.name
	return nil
}
