package main

// Build metadata, overridden at link time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)
