package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry[FullTextFactory]("tokenizer")
	require.NoError(t, r.Register("words", func() (FullTextFactory, error) {
		return WordTokenizer{}, nil
	}, "org.example.Words"))
	assert.Error(t, r.Register("", nil))
	assert.Error(t, r.Register("nil", nil))

	f, err := r.New("org.example.Words")
	require.NoError(t, err)
	assert.Equal(t, "default", f.Name())

	_, err = r.New("missing")
	assert.EqualError(t, err, `unknown tokenizer "missing"`)
	assert.Equal(t, []string{"words"}, r.Names())
}

func TestFullTextFactories(t *testing.T) {
	f, err := FullTextFactories.New("com.qizx.api.fulltext.DefaultFullTextFactory")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world", "42"}, f.Tokenize("Hello, World! 42"))

	ws, err := FullTextFactories.New("whitespace")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello,", "World!"}, ws.Tokenize(" Hello,\tWorld! "))
}

func TestParseIndexing(t *testing.T) {
	ix, err := ParseIndexing(strings.NewReader(`
		<indexing>
		  <element name="title" as="string" fulltext="true"/>
		  <element name="price" as="numeric"/>
		  <attribute name="id"/>
		</indexing>`))
	require.NoError(t, err)
	require.Len(t, ix.Elements, 2)
	require.Len(t, ix.Attributes, 1)
	assert.Equal(t, map[string]bool{"title": true}, ix.FullTextNames())

	data, err := ix.Marshal()
	require.NoError(t, err)
	again, err := ParseIndexing(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, ix.Elements, again.Elements)

	for _, bad := range []string{
		`<indexing><element/></indexing>`,
		`<indexing><element name="x" as="geo"/></indexing>`,
		`<indexing>`,
		`<other/>`,
	} {
		_, err := ParseIndexing(strings.NewReader(bad))
		assert.True(t, HasCode(err, CodeBadIndexing), "input %s", bad)
	}

	assert.Nil(t, (&Indexing{}).FullTextNames())
}

func TestSliceSequence(t *testing.T) {
	seq := NewSliceSequence([]Item{Integer(1), Integer(2), Integer(3)})
	n, err := seq.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, seq.MoveTo(1))
	require.True(t, seq.Next())
	assert.Equal(t, "2", seq.Current().String())
	require.True(t, seq.Next())
	assert.False(t, seq.Next())
	assert.Nil(t, seq.Current())

	require.NoError(t, seq.MoveTo(10))
	assert.False(t, seq.Next())
}

func TestErrorCodes(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeIO, cause, "write")
	assert.Equal(t, CodeIO, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "IO: write: disk full")
	assert.False(t, HasCode(nil, CodeIO))
	assert.Equal(t, Code(""), CodeOf(cause))
}

func TestDirModuleResolver(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "m.xqm"), []byte("module namespace m = 'urn:m';"), 0644))
	r := DirModuleResolver{Root: root}

	src, id, err := r.ResolveModule("urn:m", []string{"/m.xqm"})
	require.NoError(t, err)
	assert.Contains(t, src, "urn:m")
	path, err := PathFromSystemID(id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "m.xqm"), path)

	_, _, err = r.ResolveModule("urn:m", []string{"../escape.xqm"})
	assert.True(t, HasCode(err, CodeCompile))

	_, err = PathFromSystemID("http://example.com/x")
	assert.Error(t, err)
}

func TestQName(t *testing.T) {
	assert.Equal(t, "x", QName{Local: "x"}.String())
	assert.Equal(t, "{urn:a}x", QName{Space: "urn:a", Local: "x"}.String())
}
