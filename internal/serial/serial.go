// Package serial writes evaluation results as XML, HTML, XHTML or text in
// the requested character encoding.
package serial

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/fentz26/xqserver/internal/engine"
)

// Output methods.
const (
	MethodXML   = "xml"
	MethodHTML  = "html"
	MethodXHTML = "xhtml"
	MethodText  = "text"
)

// ErrUnknownMethod is returned for an output method other than xml, html,
// xhtml or text.
var ErrUnknownMethod = errors.New("unknown output method")

// Options control serialization. Extra keeps options the serializer does
// not interpret so that they can be echoed back to callers.
type Options struct {
	Method             string
	Encoding           string
	Indent             bool
	OmitXMLDeclaration bool
	Extra              map[string]string
}

// Set applies a serialization option by its output-declaration name.
func (o *Options) Set(name, value string) error {
	value = strings.TrimSpace(value)
	switch name {
	case "method":
		m := strings.ToLower(value)
		switch m {
		case MethodXML, MethodHTML, MethodXHTML, MethodText:
			o.Method = m
		default:
			return errors.Wrapf(ErrUnknownMethod, "%q", value)
		}
	case "encoding":
		o.Encoding = value
	case "indent":
		o.Indent = yes(value)
	case "omit-xml-declaration":
		o.OmitXMLDeclaration = yes(value)
	default:
		if o.Extra == nil {
			o.Extra = make(map[string]string)
		}
		o.Extra[name] = value
	}
	return nil
}

func yes(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return true
	}
	return false
}

// Charset returns the canonical name of the configured encoding.
func (o Options) Charset() (string, error) {
	enc, err := lookupEncoding(o.Encoding)
	if err != nil {
		return "", err
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return "utf-8", nil
	}
	return name, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "\n", "&#10;", "\t", "&#9;")
)

// Serializer streams a result tree. Calls must be balanced:
// PutElementStart/PutElementEnd pairs, attributes right after their start
// tag. The first write error is kept and returned by Flush.
type Serializer struct {
	opts    Options
	bw      *bufio.Writer
	stack   []string
	pending bool
	err     error
}

// New returns a serializer writing to w in the configured encoding.
func New(w io.Writer, opts Options) (*Serializer, error) {
	if opts.Method == "" {
		opts.Method = MethodXML
	}
	enc, err := lookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	if enc != unicode.UTF8 {
		w = enc.NewEncoder().Writer(w)
	}
	return &Serializer{opts: opts, bw: bufio.NewWriter(w)}, nil
}

// Method returns the output method.
func (s *Serializer) Method() string { return s.opts.Method }

func (s *Serializer) write(str string) {
	if s.err != nil {
		return
	}
	_, s.err = s.bw.WriteString(str)
}

func (s *Serializer) closeStart() {
	if s.pending {
		s.write(">")
		s.pending = false
	}
}

func (s *Serializer) markup() bool { return s.opts.Method != MethodText }

// PutDocumentStart writes the XML declaration when the method calls for
// one.
func (s *Serializer) PutDocumentStart() {
	if s.opts.OmitXMLDeclaration || (s.opts.Method != MethodXML && s.opts.Method != MethodXHTML) {
		return
	}
	charset, _ := s.opts.Charset()
	s.write(fmt.Sprintf(`<?xml version="1.0" encoding="%s"?>`, strings.ToUpper(charset)))
	if s.opts.Indent {
		s.write("\n")
	}
}

// PutElementStart opens an element.
func (s *Serializer) PutElementStart(name string) {
	if !s.markup() {
		s.stack = append(s.stack, name)
		return
	}
	s.closeStart()
	if s.opts.Indent && len(s.stack) > 0 {
		s.write("\n" + strings.Repeat("  ", len(s.stack)))
	}
	s.write("<" + name)
	s.stack = append(s.stack, name)
	s.pending = true
}

// PutAttribute adds an attribute to the element just opened.
func (s *Serializer) PutAttribute(name, value string) {
	if !s.markup() {
		return
	}
	if !s.pending {
		s.err = errors.Errorf("attribute %s outside of a start tag", name)
		return
	}
	s.write(" " + name + `="` + attrEscaper.Replace(value) + `"`)
}

// PutText writes character data.
func (s *Serializer) PutText(text string) {
	if !s.markup() {
		s.write(text)
		return
	}
	s.closeStart()
	s.write(textEscaper.Replace(text))
}

// PutAtomText writes the lexical form of an atomic value.
func (s *Serializer) PutAtomText(text string) { s.PutText(text) }

// PutRawText writes text without escaping.
func (s *Serializer) PutRawText(text string) {
	s.closeStart()
	s.write(text)
}

// PutNode copies a node. The text method writes its string value.
func (s *Serializer) PutNode(n engine.Node) {
	if n == nil {
		return
	}
	if !s.markup() {
		s.write(n.StringValue())
		return
	}
	s.closeStart()
	s.write(n.Markup())
}

// PutElementEnd closes the innermost open element.
func (s *Serializer) PutElementEnd() {
	if len(s.stack) == 0 {
		if s.err == nil {
			s.err = errors.New("unbalanced element end")
		}
		return
	}
	name := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if !s.markup() {
		return
	}
	if s.pending {
		s.pending = false
		if s.opts.Method == MethodHTML {
			s.write("></" + name + ">")
		} else {
			s.write("/>")
		}
		return
	}
	s.write("</" + name + ">")
}

// Flush writes buffered output. It returns the first error met.
func (s *Serializer) Flush() error {
	if s.err != nil {
		return s.err
	}
	s.closeStart()
	if s.err == nil {
		s.err = s.bw.Flush()
	}
	return s.err
}
