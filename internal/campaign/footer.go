package campaign

import (
	"fmt"
	"strings"

	"github.com/driftline/dispatch/internal/store"
)

// appendFooter injects the compliance footer before </body>. Every campaign
// email carries an unsubscribe link; the company address and custom text
// are optional per account. Content that already carries its own
// unsubscribe link is left untouched.
func appendFooter(html, baseURL, contactID string, settings *store.FooterSettings) string {
	if strings.Contains(html, "/unsubscribe") {
		return html
	}

	var b strings.Builder
	b.WriteString(`<div style="margin-top:32px;padding-top:16px;border-top:1px solid #e0e0e0;font-size:12px;color:#888;">`)
	if settings != nil && settings.CustomFooterText != "" {
		fmt.Fprintf(&b, "<p>%s</p>", settings.CustomFooterText)
	}
	if settings != nil && settings.CompanyAddress != "" {
		fmt.Fprintf(&b, "<p>%s</p>", settings.CompanyAddress)
	}
	fmt.Fprintf(&b, `<p><a href="%s/unsubscribe?contact=%s">Unsubscribe</a> &middot; <a href="%s/preferences?contact=%s">Email preferences</a></p>`,
		baseURL, contactID, baseURL, contactID)
	b.WriteString(`</div>`)

	footer := b.String()
	if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
		return html[:i] + footer + html[i:]
	}
	return html + footer
}
