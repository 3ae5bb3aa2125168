// Package providers bundles the reference provider modules and their
// requirement fixtures.
package providers

import (
	"embed"
	"io/fs"

	"github.com/roach88/provharness/internal/providers/dummy"
	"github.com/roach88/provharness/internal/providers/webex"
	"github.com/roach88/provharness/internal/sandbox"
)

//go:embed requirements/*.requirements.json
var requirementFiles embed.FS

// Requirements returns the embedded requirement fixtures, one
// <provider>.requirements.json per provider.
func Requirements() fs.FS {
	sub, err := fs.Sub(requirementFiles, "requirements")
	if err != nil {
		panic(err)
	}
	return sub
}

// Register makes every reference module available on l by name.
func Register(l *sandbox.Loader) {
	l.Register(webex.Name, webex.New)
	l.Register(dummy.Name, dummy.New)
}

// WebhookCapable reports whether provider implements reconcile_webhook.
func WebhookCapable(provider string) bool {
	return provider == webex.Name
}
