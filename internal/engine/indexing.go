package engine

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// Indexing is a library indexing specification.
//
//	<indexing>
//	  <element name="title" as="string" fulltext="true"/>
//	  <attribute name="id" as="numeric"/>
//	</indexing>
type Indexing struct {
	XMLName    xml.Name       `xml:"indexing"`
	Elements   []IndexingRule `xml:"element"`
	Attributes []IndexingRule `xml:"attribute"`
}

// IndexingRule selects how one element or attribute name is indexed.
type IndexingRule struct {
	Name     string `xml:"name,attr"`
	As       string `xml:"as,attr,omitempty"`
	FullText bool   `xml:"fulltext,attr,omitempty"`
}

var indexingKinds = map[string]bool{"": true, "string": true, "numeric": true, "date": true}

// ParseIndexing reads an indexing specification. Malformed input yields an
// error with code CodeBadIndexing.
func ParseIndexing(r io.Reader) (*Indexing, error) {
	var ix Indexing
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&ix); err != nil {
		return nil, Wrap(CodeBadIndexing, err, "cannot parse indexing specification")
	}
	for _, rules := range [][]IndexingRule{ix.Elements, ix.Attributes} {
		for _, rule := range rules {
			if strings.TrimSpace(rule.Name) == "" {
				return nil, Errorf(CodeBadIndexing, "indexing rule without name")
			}
			if !indexingKinds[rule.As] {
				return nil, Errorf(CodeBadIndexing, "rule %q: unknown index kind %q", rule.Name, rule.As)
			}
		}
	}
	return &ix, nil
}

// Marshal serializes the specification.
func (ix *Indexing) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(ix); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FullTextNames returns the element names with full-text indexing enabled.
// An empty specification indexes everything.
func (ix *Indexing) FullTextNames() map[string]bool {
	if ix == nil || len(ix.Elements) == 0 {
		return nil
	}
	names := make(map[string]bool)
	for _, rule := range ix.Elements {
		if rule.FullText {
			names[rule.Name] = true
		}
	}
	return names
}
