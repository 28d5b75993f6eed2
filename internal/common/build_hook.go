package common

import (
	"github.com/sirupsen/logrus"
)

// BuildHook stamps every log entry with the binary's build metadata, so a
// captured log always identifies the exact assembler build that produced it.
type BuildHook struct {
}

func (h *BuildHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *BuildHook) Fire(e *logrus.Entry) error {
	e.Data["build_commit"] = BuildCommit
	e.Data["build_time"] = BuildTime

	return nil
}
