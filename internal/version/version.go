package version

import "fmt"

// Set through -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Full() string {
	return fmt.Sprintf("voiprecord %s, commit %s, built at %s", Version, Commit, Date)
}
