package layouts

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// Base wraps body in the page shell: head, nav with the sign-in state, and
// a main container.
func Base(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`+
			`<meta name="viewport" content="width=device-width, initial-scale=1">`+
			`<title>`+templ.EscapeString(title)+` · Gatekeeper</title></head><body><nav>`+
			`<a href="/">Gatekeeper</a> `); err != nil {
			return err
		}
		if err := navSession(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `</nav><main>`); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}

// navSession renders the sign-in link or the signed-in user with a logout
// form carrying the CSRF token.
func navSession(ctx context.Context, w io.Writer) error {
	d := FromContext(ctx)
	if !d.Authenticated {
		_, err := io.WriteString(w, `<a href="/auth/login">Sign in</a>`)
		return err
	}
	_, err := io.WriteString(w, `<span>`+templ.EscapeString(d.DisplayName())+
		` via `+templ.EscapeString(d.Provider)+`</span>`+
		`<form method="post" action="/auth/logout" style="display:inline">`+
		`<input type="hidden" name="csrf_token" value="`+templ.EscapeString(d.CSRFToken)+`">`+
		`<button type="submit">Sign out</button></form>`)
	return err
}
