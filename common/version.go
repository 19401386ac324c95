package common

// Version is the service version, overridden at build time via
// -ldflags "-X .../common.Version=...".
var Version = "dev"
