package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// Message builds a message id of the form <role>-<unix millis>-<suffix>. The
// suffix keeps ids unique when two messages share a millisecond.
func Message(prefix string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, at.UnixMilli(), suffix)
}
