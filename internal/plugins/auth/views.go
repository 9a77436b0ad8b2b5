package auth

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"github.com/keyxmakerx/gatekeeper/internal/templates/layouts"
)

// providerLabels are display names for the built-in providers.
var providerLabels = map[string]string{
	"google":    "Google",
	"microsoft": "Microsoft",
	"github":    "GitHub",
	"apple":     "Apple",
}

// loginPage lists one sign-in link per configured provider.
func loginPage(providers []string) templ.Component {
	body := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<h1>Sign in</h1>`)
		if len(providers) == 0 {
			b.WriteString(`<p>No identity providers are configured.</p>`)
		}
		b.WriteString(`<ul class="providers">`)
		for _, p := range providers {
			label := providerLabels[p]
			if label == "" {
				label = p
			}
			fmt.Fprintf(&b, `<li><a href="/auth/login/%s">Continue with %s</a></li>`,
				templ.EscapeString(p), templ.EscapeString(label))
		}
		b.WriteString(`</ul>`)
		_, err := io.WriteString(w, b.String())
		return err
	})
	return layouts.Base("Sign in", body)
}
