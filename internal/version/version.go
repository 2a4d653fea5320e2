package version

// Set at build time with -ldflags "-X github.com/Norgate-AV/blockbridge/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
