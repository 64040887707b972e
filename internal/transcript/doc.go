// Package transcript renders stored conversations for export.
//
// Markdown produces a readable transcript with per-message model and token
// annotations. HTML converts that Markdown with goldmark (GitHub Flavored
// Markdown) into a standalone page. Raw HTML inside message content is
// omitted from the HTML output.
package transcript
