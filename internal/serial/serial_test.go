package serial

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct{ markup, text string }

func (n node) Markup() string      { return n.markup }
func (n node) StringValue() string { return n.text }

func TestWrappedItems(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(&buf, Options{OmitXMLDeclaration: true})
	require.NoError(t, err)

	s.PutElementStart("items")
	s.PutAttribute("total-count", "2")
	s.PutElementStart("item")
	s.PutAttribute("type", "xs:string")
	s.PutAtomText("a < b & c")
	s.PutElementEnd()
	s.PutElementStart("item")
	s.PutAttribute("type", "document-node()")
	s.PutNode(node{markup: "<doc>x</doc>", text: "x"})
	s.PutElementEnd()
	s.PutElementEnd()
	require.NoError(t, s.Flush())

	assert.Equal(t,
		`<items total-count="2"><item type="xs:string">a &lt; b &amp; c</item><item type="document-node()"><doc>x</doc></item></items>`,
		buf.String())
}

func TestEmptyElements(t *testing.T) {
	for _, tt := range []struct {
		method string
		want   string
	}{
		{MethodXML, `<br/>`},
		{MethodXHTML, `<br/>`},
		{MethodHTML, `<br></br>`},
		{MethodText, ``},
	} {
		var buf bytes.Buffer
		s, err := New(&buf, Options{Method: tt.method, OmitXMLDeclaration: true})
		require.NoError(t, err)
		s.PutElementStart("br")
		s.PutElementEnd()
		require.NoError(t, s.Flush())
		assert.Equal(t, tt.want, buf.String(), tt.method)
	}
}

func TestDeclaration(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(&buf, Options{Encoding: "iso-8859-1"})
	require.NoError(t, err)
	s.PutDocumentStart()
	s.PutElementStart("p")
	s.PutText("café")
	s.PutElementEnd()
	require.NoError(t, s.Flush())

	assert.Equal(t, []byte("<?xml version=\"1.0\" encoding=\"WINDOWS-1252\"?><p>caf\xe9</p>"), buf.Bytes())

	buf.Reset()
	s, err = New(&buf, Options{Method: MethodHTML})
	require.NoError(t, err)
	s.PutDocumentStart()
	require.NoError(t, s.Flush())
	assert.Empty(t, buf.String())
}

func TestTextMethod(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(&buf, Options{Method: MethodText})
	require.NoError(t, err)
	s.PutElementStart("items")
	s.PutAttribute("n", "1")
	s.PutNode(node{markup: "<a>hi</a>", text: "hi"})
	s.PutAtomText(" <raw>")
	s.PutElementEnd()
	require.NoError(t, s.Flush())
	assert.Equal(t, "hi <raw>", buf.String())
}

func TestErrors(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Encoding: "klingon"})
	assert.Error(t, err)

	var o Options
	assert.ErrorIs(t, o.Set("method", "json"), ErrUnknownMethod)
	require.NoError(t, o.Set("method", "XHTML"))
	require.NoError(t, o.Set("indent", "yes"))
	require.NoError(t, o.Set("doctype-public", "-//W3C//DTD XHTML 1.0 Strict//EN"))
	assert.Equal(t, MethodXHTML, o.Method)
	assert.True(t, o.Indent)
	assert.Equal(t, "-//W3C//DTD XHTML 1.0 Strict//EN", o.Extra["doctype-public"])

	s, err := New(&bytes.Buffer{}, Options{})
	require.NoError(t, err)
	s.PutElementEnd()
	assert.Error(t, s.Flush())

	s, _ = New(&bytes.Buffer{}, Options{})
	s.PutText("x")
	s.PutAttribute("a", "b")
	assert.Error(t, s.Flush())
}

func TestCharset(t *testing.T) {
	cs, err := Options{}.Charset()
	require.NoError(t, err)
	assert.Equal(t, "utf-8", cs)

	cs, err = Options{Encoding: "latin1"}.Charset()
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", cs)
}
