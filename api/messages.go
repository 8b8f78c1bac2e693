package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/protocol"
)

// MessagesClient reads channel history over REST. It backs the polling
// fallback when the realtime connection is down.
type MessagesClient struct {
	exec   *Executor
	logger *slog.Logger
}

func NewMessagesClient(exec *Executor) *MessagesClient {
	return &MessagesClient{exec: exec, logger: exec.logger}
}

// List returns up to limit recent messages of a channel. Records that fail
// to decode or validate are skipped.
func (c *MessagesClient) List(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.exec.Get(ctx, "groups/"+url.PathEscape(channelID)+"/messages", query)
	if err != nil {
		return nil, err
	}

	records, err := messageRecords(resp.Body)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(records))
	for _, raw := range records {
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			c.logger.Warn("skipping undecodable history record", "channel_id", channelID, "error", err)
			continue
		}
		if msg.ChannelID == "" {
			msg.ChannelID = channelID
		}
		if err := msg.Validate(); err != nil {
			c.logger.Debug("skipping invalid history record", "channel_id", channelID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// messageRecords accepts a bare array or an object wrapping it under
// "data" or "messages".
func messageRecords(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	var records []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("api: failed to parse message list: %w", err)
		}
		return records, nil
	}

	var wrapper struct {
		Data     []json.RawMessage `json:"data"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("api: failed to parse message list: %w", err)
	}
	if wrapper.Data != nil {
		return wrapper.Data, nil
	}
	return wrapper.Messages, nil
}
