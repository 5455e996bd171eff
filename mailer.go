package passlink

import (
	"context"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"
)

// Mailer delivers the magic-link e-mail. Implementations wrap whatever mail
// provider the deployment uses; an implementation whose sending identity is
// still unverified with its provider should return ErrSenderNotVerified so
// the engine can surface the remediation instead of a hard failure.
type Mailer interface {
	Send(ctx context.Context, from, to, subject, htmlBody, textBody string) error
}

// linkEmailParams is the data passed to the e-mail templates.
type linkEmailParams struct {
	Link          string
	ExpiryMinutes int
}

const linkEmailHTMLTemplate = `<html><body>
<p><a href="{{.Link}}">Sign in</a></p>
<p>This link is valid for {{.ExpiryMinutes}} minutes and can be used once.</p>
<p>If you did not request this link, you can ignore this e-mail.</p>
</body></html>`

const linkEmailTextTemplate = `Open this link to sign in:

{{.Link}}

The link is valid for {{.ExpiryMinutes}} minutes and can be used once.

If you did not request this link, you can ignore this e-mail.
`

var (
	linkEmailHTML = htmltemplate.Must(htmltemplate.New("html").Parse(linkEmailHTMLTemplate))
	linkEmailText = template.Must(template.New("text").Parse(linkEmailTextTemplate))
)

func renderLinkEmail(link string, ttl time.Duration) (htmlBody, textBody string, err error) {
	params := linkEmailParams{
		Link:          link,
		ExpiryMinutes: int(ttl.Minutes()),
	}

	var html, text strings.Builder
	if err := linkEmailHTML.Execute(&html, params); err != nil {
		return "", "", err
	}
	if err := linkEmailText.Execute(&text, params); err != nil {
		return "", "", err
	}
	return html.String(), text.String(), nil
}
