package buildinfo

// Version is filled in by the build system, with
// go build -ldflags "-X github.com/cyclopcam/personclip/pkg/buildinfo.Version=1.2.3"
var Version = "dev"
