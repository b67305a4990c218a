package artifacts

import _ "embed"

// DefaultSettings is written to a fresh config directory and used whenever
// no settings file exists.
//
//go:embed default/settings.yaml
var DefaultSettings []byte
