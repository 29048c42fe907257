package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimplify(t *testing.T) {
	input := `<!DOCTYPE html>
<html><head><title>Account</title><style>body{color:red}</style>
<script>window.track = 1;</script><meta charset="utf-8"></head>
<body>
  <!-- banner -->
  <div class="login" style="margin:0" data-test="x">
    <h1>Sign in</h1>
    <custom-widget><span>wrapped text</span></custom-widget>
    <form id="f"><input type="email" name="email" value="" placeholder=" you@example.com "><input type="checkbox" checked></form>
    <a href="/help" onclick="evil()">Help</a><br>
    <svg><path d="M0"/></svg>
  </div>
</body></html>`

	out, err := Simplify(input)
	require.NoError(t, err)

	assert.Contains(t, out, "<!DOCTYPE html>")
	assert.Contains(t, out, "<title>Account </title>")
	assert.Contains(t, out, `<div class="login">`)
	assert.Contains(t, out, "<h1>Sign in </h1>")
	assert.Contains(t, out, "<span>wrapped text </span>", "unknown wrappers are unwrapped, children kept")
	assert.Contains(t, out, `<input type="email" name="email" value="" placeholder="you@example.com">`)
	assert.Contains(t, out, `<input type="checkbox" checked="">`)
	assert.Contains(t, out, `<a href="/help">Help </a><br>`)

	for _, gone := range []string{"<script", "window.track", "<style", "color:red", "banner", "<meta", "custom-widget", "onclick", "data-test", "style=", "<svg", "<path"} {
		assert.NotContains(t, out, gone)
	}
	assert.NotContains(t, out, "</br>")
	assert.NotContains(t, out, "</input>")
}

func TestSimplify_EscapesText(t *testing.T) {
	out, err := Simplify(`<p title="a&quot;b">1 &lt; 2 &amp; 3</p>`)
	require.NoError(t, err)
	assert.Contains(t, out, `<p title="a&#34;b">1 &lt; 2 &amp; 3 </p>`)
}

func TestSimplify_Empty(t *testing.T) {
	out, err := Simplify("")
	require.NoError(t, err)
	assert.Equal(t, "<html><head></head><body></body></html>", out)
}
