package domain

import (
	"strings"
	"time"
)

// DeploymentLog is one chunk of remote output captured during a pipeline run.
type DeploymentLog struct {
	ID           int64
	DeploymentID string
	Stream       string
	Message      string
	CreatedAt    time.Time
}

// CleanLogText makes remote output storable as text: NUL bytes are dropped and
// invalid UTF-8 becomes U+FFFD.
func CleanLogText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
