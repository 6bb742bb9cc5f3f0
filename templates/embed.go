// Package templates embeds the default configuration and starter tool code
// written by `tofud init`.
package templates

import "embed"

//go:embed config.yaml opentofu
var FS embed.FS
