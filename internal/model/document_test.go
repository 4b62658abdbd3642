package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocument_PageAt(t *testing.T) {
	doc := Document{Pages: []PageSpan{{Page: 1, Start: 0}, {Page: 2, Start: 100}, {Page: 4, Start: 250}}}
	assert.Equal(t, 1, doc.PageAt(0))
	assert.Equal(t, 1, doc.PageAt(99))
	assert.Equal(t, 2, doc.PageAt(100))
	assert.Equal(t, 4, doc.PageAt(1000))

	assert.Equal(t, 1, (&Document{}).PageAt(42))
}

func TestChatSession_ScopeDocumentID(t *testing.T) {
	assert.Zero(t, (&ChatSession{}).ScopeDocumentID())
	id := uint(9)
	assert.Equal(t, uint(9), (&ChatSession{DocumentID: &id}).ScopeDocumentID())
}
