package tendril

// Version is the release of the library and the tendril binary.
// Release builds override it with -ldflags "-X github.com/aretw0/tendril.Version=...".
var Version = "0.1.0"
