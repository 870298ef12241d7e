package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeHTML(t *testing.T) {
	t.Run("strips scripts", func(t *testing.T) {
		out := SanitizeHTML(`<p>hello</p><script>alert("xss")</script>`)
		assert.Contains(t, out, "<p>hello</p>")
		assert.NotContains(t, out, "script")
		assert.NotContains(t, out, "alert")
	})

	t.Run("strips event handlers", func(t *testing.T) {
		out := SanitizeHTML(`<a href="https://example.com" onclick="steal()">link</a>`)
		assert.Contains(t, out, "link")
		assert.NotContains(t, out, "onclick")
	})

	t.Run("keeps formatting tags", func(t *testing.T) {
		out := SanitizeHTML(`<b>bold</b> and <i>italic</i>`)
		assert.Contains(t, out, "<b>bold</b>")
		assert.Contains(t, out, "<i>italic</i>")
	})
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "hello world", StripHTML(`<div><b>hello</b> world</div>`))
	assert.NotContains(t, StripHTML(`<script>x</script>text`), "x")
}
