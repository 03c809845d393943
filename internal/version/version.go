package version

// Set at build time with -ldflags "-X github.com/vitalred/vrbackup/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
