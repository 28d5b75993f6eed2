package common

import (
	"github.com/segmentio/ksuid"
)

// GenerateBuildID returns a time-sortable globally unique identifier for a
// single image build. It is attached as a field to every log entry the
// build emits, so interleaved logs from a busy host can be pulled apart.
func GenerateBuildID() string {
	return ksuid.New().String()
}
