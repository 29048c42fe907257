package dom

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// tag policy: true keeps the element with a closing tag, false keeps a void
// element. Anything else is unwrapped to its children.
var keptTags = map[string]bool{
	"html": true, "head": true, "body": true, "title": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"p": true, "div": true, "span": true, "br": false, "hr": false,
	"ul": true, "ol": true, "li": true,
	"table": true, "thead": true, "tbody": true, "tfoot": true, "tr": true, "th": true, "td": true,
	"a": true, "button": true, "input": false, "textarea": true, "select": true, "option": true, "label": true,
	"form": true, "img": false, "pre": true, "code": true, "strong": true, "em": true, "b": true, "i": true,
}

var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "meta": true, "link": true, "svg": true, "template": true,
}

var keptAttrs = map[string]bool{
	"href": true, "src": true, "alt": true, "title": true,
	"id": true, "class": true,
	"type": true, "value": true, "placeholder": true, "name": true,
	"selected": true, "checked": true, "disabled": true, "readonly": true,
	"aria-label": true, "aria-hidden": true, "role": true,
}

// boolean-ish attributes are meaningful even when empty
var emptyOK = map[string]bool{
	"value": true, "selected": true, "checked": true, "disabled": true, "readonly": true,
}

// Simplify strips scripts, styles, comments and presentational markup from
// an HTML fragment, keeping structure, text and the attributes useful for
// locating elements.
func Simplify(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := writeNode(&buf, doc); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func writeNode(w io.Writer, n *html.Node) error {
	switch n.Type {
	case html.ErrorNode, html.CommentNode:
		return nil
	case html.DoctypeNode:
		_, err := io.WriteString(w, "<!DOCTYPE "+n.Data+">")
		return err
	case html.TextNode:
		if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
			_, err := io.WriteString(w, html.EscapeString(trimmed)+" ")
			return err
		}
		return nil
	case html.ElementNode:
		if droppedTags[n.Data] {
			return nil
		}
		closing, kept := keptTags[n.Data]
		if !kept {
			return writeChildren(w, n)
		}
		if err := writeOpenTag(w, n); err != nil {
			return err
		}
		if err := writeChildren(w, n); err != nil {
			return err
		}
		if closing {
			_, err := io.WriteString(w, "</"+n.Data+">")
			return err
		}
		return nil
	}
	return writeChildren(w, n)
}

func writeChildren(w io.Writer, n *html.Node) error {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := writeNode(w, c); err != nil {
			return err
		}
	}
	return nil
}

func writeOpenTag(w io.Writer, n *html.Node) error {
	if _, err := io.WriteString(w, "<"+n.Data); err != nil {
		return err
	}
	for _, a := range n.Attr {
		if !keptAttrs[a.Key] {
			continue
		}
		val := strings.TrimSpace(a.Val)
		if val == "" && !emptyOK[a.Key] {
			continue
		}
		if _, err := io.WriteString(w, " "+a.Key+"=\""+html.EscapeString(val)+"\""); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, ">")
	return err
}
