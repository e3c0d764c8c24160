package feedclient

import (
	"context"
	"errors"

	v1 "murmur/shared/contracts/feed/v1"
)

var errEmptyResult = errors.New("feedclient: empty result")

func (c *Client) InsertMessage(ctx context.Context, in v1.MessageInsert) (v1.MessageRecord, error) {
	res, err := c.request(ctx, v1.TypeMessageInsert, in)
	if err != nil {
		return v1.MessageRecord{}, err
	}
	if len(res.Messages) == 0 {
		return v1.MessageRecord{}, errEmptyResult
	}
	return res.Messages[0], nil
}

func (c *Client) UpdateStatus(ctx context.Context, in v1.StatusUpdate) ([]v1.MessageRecord, error) {
	res, err := c.request(ctx, v1.TypeMessageStatus, in)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *Client) EditMessage(ctx context.Context, in v1.MessageEdit) ([]v1.MessageRecord, error) {
	res, err := c.request(ctx, v1.TypeMessageEdit, in)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *Client) FetchHistory(ctx context.Context, in v1.HistoryFetch) ([]v1.MessageRecord, error) {
	res, err := c.request(ctx, v1.TypeHistoryFetch, in)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *Client) InsertReaction(ctx context.Context, r v1.ReactionRecord) (v1.ReactionRecord, error) {
	res, err := c.request(ctx, v1.TypeReactionInsert, r)
	if err != nil {
		return v1.ReactionRecord{}, err
	}
	if len(res.Reactions) == 0 {
		return v1.ReactionRecord{}, errEmptyResult
	}
	return res.Reactions[0], nil
}

func (c *Client) DeleteReaction(ctx context.Context, r v1.ReactionRecord) (int64, error) {
	res, err := c.request(ctx, v1.TypeReactionDelete, r)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func (c *Client) FetchReactions(ctx context.Context, messageID string) ([]v1.ReactionRecord, error) {
	res, err := c.request(ctx, v1.TypeReactionFetch, v1.ReactionFetch{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return res.Reactions, nil
}
