package attachments

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/untoldecay/elogd/internal/types"
)

// contentPolicy is applied to entry content on write. It keeps the
// markup a rich text editor produces and throws scripts away.
var contentPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").OnElements("span", "p", "div", "td", "th", "table")
	p.AllowAttrs("class").Globally()
	p.AllowRelativeURLs(true)
	return p
}()

var stripPolicy = bluemonday.StrictPolicy()

// SanitizeContent cleans entry HTML for storage.
func SanitizeContent(content string) string {
	return contentPolicy.Sanitize(content)
}

// StripTags reduces HTML to its text, as used for content previews in
// search results.
func StripTags(content string) string {
	return strings.TrimSpace(stripPolicy.Sanitize(content))
}

// ExtractInlineImages pulls data: URI images out of entry content,
// stores each as an embedded attachment, and rewrites the img tags to
// reference the stored blob, wrapped in a link to the full image. The
// returned attachments still need binding to the entry.
//
// Pasted screenshots arrive this way; left inline they would bloat
// every read of the entry.
func (p *Pipeline) ExtractInlineImages(content string, ts time.Time, urlPrefix string) (string, []*types.Attachment, error) {
	body, err := parseFragment(content)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse entry content: %w", err)
	}

	var extracted []*types.Attachment
	index := 0
	walkSrc(body, func(el *html.Node) {
		src := attrValue(el, "src")
		data, ext, ok := decodeDataURI(src)
		if !ok {
			return
		}
		filename := fmt.Sprintf("inline-%d-%d.%s", len(data), index, ext)
		index++
		attachment, err := p.Save(filename, data, ts, true)
		if err != nil {
			p.logger.Warn("failed to store inline image",
				"filename", filename, "error", err)
			return
		}
		extracted = append(extracted, attachment)

		url := urlPrefix + attachment.Path
		setAttr(el, "src", url)
		wrapInLink(el, url)
	})
	if len(extracted) == 0 {
		return content, nil, nil
	}
	rewritten, err := renderFragment(body)
	if err != nil {
		return "", nil, err
	}
	return rewritten, extracted, nil
}

// EmbedImages inlines referenced attachment images back into the HTML
// as data: URIs, producing a self-contained document for export.
func (p *Pipeline) EmbedImages(content string, urlPrefix string) (string, error) {
	body, err := parseFragment(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse entry content: %w", err)
	}
	walkSrc(body, func(el *html.Node) {
		src := attrValue(el, "src")
		if !strings.HasPrefix(src, urlPrefix) {
			return
		}
		blobPath := strings.TrimPrefix(src, urlPrefix)
		data, err := p.ReadAll(blobPath)
		if err != nil {
			p.logger.Warn("failed to embed attachment",
				"path", blobPath, "error", err)
			return
		}
		ct := contentTypeFor(blobPath)
		setAttr(el, "src", "data:"+ct+";base64,"+
			base64.StdEncoding.EncodeToString(data))
	})
	return renderFragment(body)
}

// parseFragment parses content and reattaches the fragment roots to a
// synthetic body, so every node has a parent to splice wrappers into.
func parseFragment(content string) (*html.Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(content), body)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		body.AppendChild(node)
	}
	return body, nil
}

func renderFragment(body *html.Node) (string, error) {
	var buf bytes.Buffer
	for node := body.FirstChild; node != nil; node = node.NextSibling {
		if err := html.Render(&buf, node); err != nil {
			return "", fmt.Errorf("failed to render entry content: %w", err)
		}
	}
	return buf.String(), nil
}

// walkSrc visits every element carrying a src attribute. The callback
// may reparent the visited node, so the next sibling is captured before
// descending.
func walkSrc(node *html.Node, fn func(el *html.Node)) {
	if node.Type == html.ElementNode && attrValue(node, "src") != "" {
		fn(node)
	}
	for child := node.FirstChild; child != nil; {
		next := child.NextSibling
		walkSrc(child, fn)
		child = next
	}
}

func attrValue(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if attr.Key == name {
			return attr.Val
		}
	}
	return ""
}

func setAttr(node *html.Node, name, value string) {
	for i, attr := range node.Attr {
		if attr.Key == name {
			node.Attr[i].Val = value
			return
		}
	}
	node.Attr = append(node.Attr, html.Attribute{Key: name, Val: value})
}

// wrapInLink replaces the img node in its parent with <a href><img></a>
// so clicking the scaled-down image opens the original. An existing
// enclosing link is pointed at the blob instead of nesting another one.
func wrapInLink(img *html.Node, href string) {
	parent := img.Parent
	if parent.DataAtom == atom.A {
		setAttr(parent, "href", href)
		return
	}
	link := &html.Node{
		Type:     html.ElementNode,
		Data:     "a",
		DataAtom: atom.A,
		Attr:     []html.Attribute{{Key: "href", Val: href}},
	}
	parent.InsertBefore(link, img)
	parent.RemoveChild(img)
	link.AppendChild(img)
}

// decodeDataURI splits a data: URI into its payload and a file
// extension guessed from the media type.
func decodeDataURI(src string) (data []byte, ext string, ok bool) {
	if !strings.HasPrefix(src, "data:") {
		return nil, "", false
	}
	meta, payload, found := strings.Cut(src[len("data:"):], ",")
	if !found {
		return nil, "", false
	}
	mediaType, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, "base64") {
		return nil, "", false
	}
	// Editors sometimes drop the trailing padding.
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", false
	}
	switch mediaType {
	case "image/png":
		ext = "png"
	case "image/jpeg", "image/jpg":
		ext = "jpg"
	case "image/gif":
		ext = "gif"
	default:
		ext = "bin"
	}
	return decoded, ext, true
}
