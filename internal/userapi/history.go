package userapi

import (
	"context"
	"log/slog"

	"github.com/ashureev/agenthub/internal/transcript"
)

// History binds the chat history endpoints to one access token.
type History struct {
	client *Client
	token  string
}

// History returns the history store of the user holding token.
func (c *Client) History(token string) *History {
	return &History{client: c, token: token}
}

// Load returns the saved transcript of room. A non-success status yields no entries.
func (h *History) Load(ctx context.Context, room string) ([]transcript.Entry, error) {
	res, err := h.client.LoadHistory(ctx, h.token, room)
	if err != nil {
		return nil, err
	}
	if res.Status != StatusSuccess {
		slog.Warn("Chat history not available", "room", room, "status", res.Status, "detail", res.Detail)
		return nil, nil
	}
	return res.Entries, nil
}

// Save replaces the saved transcript of room.
func (h *History) Save(ctx context.Context, room string, entries []transcript.Entry) error {
	return h.client.SaveHistory(ctx, h.token, room, entries)
}
