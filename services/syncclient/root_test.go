package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/convsync/internal/aggregator"
	"github.com/convsync/internal/model"
)

func TestPushURLFromStore(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", pushURLFromStore("http://localhost:8080/"))
	assert.Equal(t, "wss://chat.example.com/ws", pushURLFromStore("https://chat.example.com"))
}

func TestPrintPreview(t *testing.T) {
	var buf bytes.Buffer
	printPreview(&buf, model.ConversationPreview{
		ConversationID: "c1",
		Title:          "Ann",
		UnreadCount:    2,
		LastMessage:    &model.MessagePreview{SenderDisplayName: "Ann", Body: "see you", CreatedAt: time.Now()},
	})
	assert.Equal(t, "c1  Ann [2]  Ann: see you\n", buf.String())

	buf.Reset()
	printPreview(&buf, model.ConversationPreview{ConversationID: "c2", ParticipantIDs: []string{"ann", "bob"}})
	assert.Equal(t, "c2  ann, bob  \n", buf.String())
}

func TestInboxLineSkipsOpenConversation(t *testing.T) {
	snap := aggregator.Snapshot{Previews: []model.ConversationPreview{
		{ConversationID: "open", UnreadCount: 5},
		{ConversationID: "c2", UnreadCount: 2},
		{ConversationID: "c3", UnreadCount: 1},
		{ConversationID: "c4"},
	}}
	assert.Equal(t, "-- 3 unread in 2 other conversation(s)", inboxLine(snap, "open"))
	assert.Empty(t, inboxLine(aggregator.Snapshot{Previews: snap.Previews[:1]}, "open"))
}
