package version

// Overridden at build time with -ldflags "-X ipwarden/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	Version string `json:"version"`
	BuiltAt string `json:"built_at"`
}

func Get() Info {
	return Info{
		Version: buildVersion,
		BuiltAt: builtAt,
	}
}
