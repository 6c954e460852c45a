package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuckDuckGoSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go generics", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Write([]byte(`{
			"Heading": "Generics",
			"AbstractText": "Generics add type parameters to Go.",
			"AbstractURL": "https://go.dev/doc/tutorial/generics",
			"RelatedTopics": [
				{"Text": "Type parameters - the proposal", "FirstURL": "https://go.dev/blog/intro-generics"},
				{"Topics": [
					{"Text": "Constraints package", "FirstURL": "https://pkg.go.dev/golang.org/x/exp/constraints"}
				]},
				{"Text": "", "FirstURL": "https://example.com/skipped"}
			]
		}`))
	}))
	defer server.Close()

	s := NewDuckDuckGoSearcher(server.URL)
	results, err := s.Search(context.Background(), "go generics", 5)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "Generics", results[0].Title)
	assert.Equal(t, "https://go.dev/doc/tutorial/generics", results[0].URL)
	assert.Equal(t, "Type parameters", results[1].Title, "leading clause becomes the title")
	assert.Equal(t, "https://pkg.go.dev/golang.org/x/exp/constraints", results[2].URL, "nested category topics flatten")
}

func TestDuckDuckGoSearchCapsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"RelatedTopics": [
				{"Text": "one", "FirstURL": "https://a.example"},
				{"Text": "two", "FirstURL": "https://b.example"},
				{"Text": "three", "FirstURL": "https://c.example"}
			]
		}`))
	}))
	defer server.Close()

	s := NewDuckDuckGoSearcher(server.URL)
	results, err := s.Search(context.Background(), "x", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
