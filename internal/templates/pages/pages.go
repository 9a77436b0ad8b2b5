// Package pages holds the full-page components rendered outside any
// plugin: the landing page and the error page.
package pages

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"github.com/keyxmakerx/gatekeeper/internal/templates/layouts"
)

// Home shows who the caller is and what they may do.
func Home() templ.Component {
	body := templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		d := layouts.FromContext(ctx)
		var b strings.Builder
		if d.Authenticated {
			fmt.Fprintf(&b, `<h1>Welcome, %s</h1>`, templ.EscapeString(d.DisplayName()))
		} else {
			b.WriteString(`<h1>Welcome</h1><p>You are browsing anonymously. <a href="/auth/login">Sign in</a> to edit scripts.</p>`)
		}
		b.WriteString(`<h2>Capabilities</h2><ul>`)
		for _, c := range d.Capabilities {
			fmt.Fprintf(&b, `<li><code>%s</code></li>`, templ.EscapeString(c))
		}
		b.WriteString(`</ul>`)
		if d.Can("view_logs") {
			b.WriteString(`<p><a href="/auth/activity">Recent sign-in activity</a></p>`)
		}
		_, err := io.WriteString(w, b.String())
		return err
	})
	return layouts.Base("Home", body)
}

// ErrorPage renders a full error page for browser requests.
func ErrorPage(code int, message string) templ.Component {
	body := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<h1>%d</h1><p>%s</p><p><a href="/">Back to the start page</a></p>`,
			code, templ.EscapeString(message))
		return err
	})
	return layouts.Base("Error", body)
}
