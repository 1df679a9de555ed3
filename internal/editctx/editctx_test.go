package editctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notionA() EditContext {
	return EditContext{
		Kind:         KindNotion,
		ProjectName:  "physics",
		PartTitle:    "Mechanics",
		ChapterTitle: "Kinematics",
		ParaName:     "Velocity",
		NotionName:   "Definition",
		EntityID:     "n-1",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, notionA().Validate())

	chapter := EditContext{Kind: KindChapter, ProjectName: "p", PartTitle: "I", ChapterTitle: "1", EntityID: "c-1"}
	require.NoError(t, chapter.Validate())

	tests := []struct {
		name string
		mut  func(*EditContext)
	}{
		{"unknown kind", func(ec *EditContext) { ec.Kind = "section" }},
		{"missing project", func(ec *EditContext) { ec.ProjectName = "" }},
		{"missing entity", func(ec *EditContext) { ec.EntityID = "" }},
		{"notion without paragraph", func(ec *EditContext) { ec.ParaName = "" }},
		{"separator in title", func(ec *EditContext) { ec.PartTitle = "a:b" }},
		{"part with chapter", func(ec *EditContext) { ec.Kind = KindPart }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := notionA()
			tt.mut(&ec)
			err := ec.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestKeys(t *testing.T) {
	ec := notionA()
	assert.Equal(t, "notion-n-1", ec.DocID())
	assert.Equal(t, "physics:Mechanics:Kinematics:Velocity:Definition", ec.PathKey())

	part := EditContext{Kind: KindPart, ProjectName: "physics", PartTitle: "Mechanics", EntityID: "p-1"}
	assert.Equal(t, "physics:Mechanics:::", part.PathKey())
}

func TestFreezeIsIndependent(t *testing.T) {
	ec := notionA()
	frozen := ec.Freeze()
	ec.NotionName = "Changed"
	assert.Equal(t, "Definition", frozen.NotionName)
}

func TestParseRoundTrip(t *testing.T) {
	ec := notionA()
	parsed, err := Parse(ec.Kind, ec.PathKey(), ec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, ec, parsed)

	_, err = Parse(KindNotion, "too:short", "x")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParent(t *testing.T) {
	p, ok := notionA().Parent()
	require.True(t, ok)
	assert.Equal(t, KindParagraph, p.Kind)
	assert.Equal(t, "Velocity", p.ParaName)
	assert.Empty(t, p.NotionName)

	p, ok = p.Parent()
	require.True(t, ok)
	assert.Equal(t, KindChapter, p.Kind)
	assert.Empty(t, p.ParaName)

	_, ok = EditContext{Kind: KindPart}.Parent()
	assert.False(t, ok)
}
