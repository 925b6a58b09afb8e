// Package qarun holds build metadata for the qarun module.
package qarun

// Version is the semantic version of the qarun CLI and library.
const Version = "0.3.0"
