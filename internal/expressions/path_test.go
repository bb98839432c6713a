package expressions

import (
	"testing"

	"github.com/rendis/agentpipe/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() schema.Value {
	return schema.Mapping(map[string]schema.Value{
		"classify": schema.Mapping(map[string]schema.Value{
			"labels": schema.Sequence(
				schema.Mapping(map[string]schema.Value{"name": schema.String("spam")}),
				schema.Mapping(map[string]schema.Value{"name": schema.String("ham")}),
			),
			"content-type": schema.String("text/plain"),
		}),
	})
}

func TestParsePath(t *testing.T) {
	segs, err := ParsePath(`classify.labels[1].name`)
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Key: "classify"},
		{Key: "labels"},
		{Index: 1, IsIndex: true},
		{Key: "name"},
	}, segs)

	segs, err = ParsePath(`$.classify["content-type"]`)
	require.NoError(t, err)
	assert.Equal(t, []Segment{{Key: "classify"}, {Key: "content-type"}}, segs)

	segs, err = ParsePath("")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestParsePath_Malformed(t *testing.T) {
	for _, p := range []string{"a..b", "a[", "a[x]", "a[]", `a["x]`} {
		_, err := ParsePath(p)
		assert.Error(t, err, p)
	}
}

func TestLookup(t *testing.T) {
	doc := sampleDoc()

	v, ok := Lookup(doc, "classify.labels[0].name")
	require.True(t, ok)
	assert.Equal(t, "spam", v.Text())

	v, ok = Lookup(doc, "classify.labels.1.name")
	require.True(t, ok)
	assert.Equal(t, "ham", v.Text())

	v, ok = Lookup(doc, "classify.labels[-1].name")
	require.True(t, ok)
	assert.Equal(t, "ham", v.Text())

	v, ok = Lookup(doc, `classify["content-type"]`)
	require.True(t, ok)
	assert.Equal(t, "text/plain", v.Text())

	_, ok = Lookup(doc, "classify.labels[5]")
	assert.False(t, ok)
	_, ok = Lookup(doc, "nope.deeper")
	assert.False(t, ok)

	root, ok := Lookup(doc, "$")
	require.True(t, ok)
	assert.True(t, root.Equal(doc))
}

func TestSetPath(t *testing.T) {
	v := SetPath(schema.Null(), "user.address.city", schema.String("Lyon"))
	city, ok := Lookup(v, "user.address.city")
	require.True(t, ok)
	assert.Equal(t, "Lyon", city.Text())

	v = SetPath(v, "user.name", schema.String("ada"))
	_, ok = Lookup(v, "user.address.city")
	assert.True(t, ok, "sibling fields survive")
}
