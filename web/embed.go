package webassets

import "embed"

// FS contains the embedded browser assets served by the gateway.

//go:embed session-client.js loading.html
var FS embed.FS
