package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristic_Challenged_StatusCodes(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.Challenged(http.StatusForbidden, "<html></html>"))
	require.True(t, h.Challenged(http.StatusTooManyRequests, ""))
	require.False(t, h.Challenged(http.StatusOK, ""))
}

func TestHeuristic_Challenged_Widgets(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	cases := map[string]string{
		"recaptcha":  `<html><body><div class="g-recaptcha" data-sitekey="k"></div></body></html>`,
		"hcaptcha":   `<html><body><div class="h-captcha"></div></body></html>`,
		"cloudflare": `<html><body><form id="challenge-form"></form></body></html>`,
		"iframe":     `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`,
	}
	for name, html := range cases {
		require.True(t, h.Challenged(0, html), name)
	}
}

func TestHeuristic_Challenged_Title(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	require.True(t, h.Challenged(0, `<html><head><title>Just a moment...</title></head><body>`+strings.Repeat("x", 50)+`</body></html>`))
}

func TestHeuristic_Challenged_ScriptShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.Challenged(0, `<html><script>var token="abcdefghijklmnopqrstuvwxyz0123456789";window.check(token);</script></html>`))
}

func TestHeuristic_Challenged_RegularListing(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	html := `<html><head><title>bikes - for sale</title></head><body>
<ul><li data-pid="7712"><a href="https://example.org/7712.html">Road bike</a></li></ul>
<script src="/app.js"></script></body></html>`
	require.False(t, h.Challenged(http.StatusOK, html))
}
