package common

var (
	// Version is set at build time.
	Version = "dev"

	// PackageName is the service label of exported metrics.
	PackageName = "guardian-switch"
)
