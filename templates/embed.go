// Package templates embeds the starter configuration written by exprun init.
package templates

import "embed"

//go:embed experiments.yaml
var FS embed.FS

// ConfigName is the template file name inside FS.
const ConfigName = "experiments.yaml"
