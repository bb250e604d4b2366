package workflows

import "embed"

const builtinDir = "builtin"

//go:embed builtin/*.yaml
var builtinFS embed.FS
