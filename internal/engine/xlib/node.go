package xlib

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/fentz26/xqserver/internal/engine"
)

// nodeItem is a parsed document node. The markup is kept verbatim minus
// the XML declaration.
type nodeItem struct {
	markup string
	text   string
}

func (n *nodeItem) Type() engine.ItemType { return engine.TypeDocument }
func (n *nodeItem) IsNode() bool          { return true }
func (n *nodeItem) Node() engine.Node     { return n }
func (n *nodeItem) String() string        { return n.text }
func (n *nodeItem) Markup() string        { return n.markup }
func (n *nodeItem) StringValue() string   { return n.text }

// parseNode checks that src is a well-formed document with a single root
// element and builds a node item from it.
func parseNode(src string) (*nodeItem, error) {
	dec := xml.NewDecoder(strings.NewReader(src))
	dec.Strict = true
	var text strings.Builder
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth > 0 {
				text.Write(t)
			}
		}
	}
	if roots != 1 {
		return nil, errors.New("document must have exactly one root element")
	}
	return &nodeItem{markup: stripDeclaration(src), text: text.String()}, nil
}

func stripDeclaration(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, "<?xml") {
		if end := strings.Index(s, "?>"); end >= 0 {
			s = strings.TrimSpace(s[end+2:])
		}
	}
	return s
}

// indexedText returns the character data under elements whose local name
// is in names, one space after each text chunk. A nil set selects every
// element.
func indexedText(src string, names map[string]bool) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(src))
	var text strings.Builder
	var stack []bool
	inside := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			hit := names == nil || names[t.Name.Local]
			stack = append(stack, hit)
			if hit {
				inside++
			}
		case xml.EndElement:
			if len(stack) > 0 {
				if stack[len(stack)-1] {
					inside--
				}
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if inside > 0 {
				text.Write(t)
				text.WriteByte(' ')
			}
		}
	}
	return text.String(), nil
}
