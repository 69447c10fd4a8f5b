package version

import (
	"fmt"
	"strconv"
	"time"
)

var (
	revision  = "unknown"
	buildTime = ""
)

func Version() string {
	return revision
}

// BuildTime returns the time this binary was built, injected at link time
// as a Unix timestamp.
func BuildTime() (time.Time, error) {
	if len(buildTime) == 0 {
		return time.Time{}, fmt.Errorf("build timestamp not set")
	}
	epoch, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(epoch, 0), nil
}
