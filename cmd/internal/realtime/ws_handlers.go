package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"murmur/cmd/internal/feed"
	"murmur/cmd/internal/store"
	v1 "murmur/shared/contracts/feed/v1"

	"github.com/coder/websocket"
)

// wsError is a failure reported to the client with a wire code.
type wsError struct {
	code string
	msg  string
}

func newWSError(code, msg string) *wsError { return &wsError{code: code, msg: msg} }

func (e *wsError) Error() string { return e.code + ": " + e.msg }

// errorCode maps a handler error to its wire code and client-facing message.
func errorCode(err error) (code, msg string) {
	var we *wsError
	switch {
	case errors.As(err, &we):
		return we.code, we.msg
	case errors.Is(err, store.ErrInvalidInput):
		return v1.CodeBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return v1.CodeNotFound, err.Error()
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrIllegalTransition):
		return v1.CodeConflict, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return v1.CodeUnavailable, "request cancelled"
	default:
		return v1.CodeInternal, "internal error"
	}
}

func errForbidden(msg string) error { return newWSError(v1.CodeForbidden, msg) }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return newWSError(v1.CodeBadRequest, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return newWSError(v1.CodeBadRequest, "invalid payload: "+err.Error())
	}
	return nil
}

func requireUser(c *Client) (string, error) {
	u := c.UserID()
	if u == "" {
		return "", newWSError(v1.CodeUnauthorized, "hello required")
	}
	return u, nil
}

// ---- handlers ----

func (g *WSGateway) onHello(_ context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := decodePayload(env, &p); err != nil {
			return err
		}
	}

	user := sess.client.UserID()
	if strings.TrimSpace(p.Token) != "" {
		claims, err := g.authenticate(p.Token)
		if err != nil {
			return newWSError(v1.CodeUnauthorized, "invalid token")
		}
		if !sess.client.authenticate(claims.UserID) {
			return errForbidden("token does not match the session user")
		}
		user = claims.UserID
	}
	if user == "" {
		return newWSError(v1.CodeUnauthorized, "token required")
	}

	sess.log.Info("ws.hello", "user", user)
	return g.reply(sess, v1.TypeHelloAck, env.ID, v1.HelloAckPayload{
		SessionID: sess.client.SessionID,
		UserID:    user,
	})
}

func (g *WSGateway) onSubscribe(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	user, err := requireUser(sess.client)
	if err != nil {
		return err
	}
	var p v1.SubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	topic := strings.TrimSpace(p.Topic)
	if !feed.ValidTopic(topic) {
		return newWSError(v1.CodeBadRequest, "invalid topic")
	}

	ok, err := g.access.CanSubscribe(ctx, user, topic)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden("not a participant of " + topic)
	}

	ack := v1.SubscribePayload{Topic: topic}
	if _, held := sess.client.subscription(topic); held {
		return g.reply(sess, v1.TypeSubscribeAck, env.ID, ack)
	}
	if sess.client.subscriptionCount() >= maxSubscriptionsPerConn {
		return newWSError(v1.CodeRateLimited, "too many subscriptions")
	}

	sub, err := g.feed.Subscribe(ctx, topic, g.changeHandler(sess, topic))
	if err != nil {
		sess.log.Warn("ws.subscribe.fail", "topic", topic, "err", err)
		return newWSError(v1.CodeUnavailable, "subscribe failed")
	}
	if !sess.client.addSubscription(sub) {
		_ = sub.Unsubscribe(context.WithoutCancel(ctx))
		return g.reply(sess, v1.TypeSubscribeAck, env.ID, ack)
	}
	g.metrics.subscriptions.Inc()
	go g.watchSubscription(sess, sub)

	sess.log.Debug("ws.subscribe", "topic", topic)
	return g.reply(sess, v1.TypeSubscribeAck, env.ID, ack)
}

func (g *WSGateway) onUnsubscribe(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	topic := strings.TrimSpace(p.Topic)

	if sub, ok := sess.client.subscription(topic); ok && sess.client.removeSubscription(sub) {
		g.metrics.subscriptions.Dec()
		if err := sub.Unsubscribe(ctx); err != nil {
			sess.log.Warn("ws.unsubscribe.fail", "topic", topic, "err", err)
		}
	}
	if env.ID == "" {
		return nil
	}
	return g.reply(sess, v1.TypeResult, env.ID, v1.ResultPayload{})
}

// changeHandler pushes feed changes of topic to the session. A session that cannot keep
// up is disconnected rather than silently missing changes; the client resyncs on reconnect.
func (g *WSGateway) changeHandler(sess *wsSession, topic string) feed.Handler {
	return func(c v1.Change) {
		b, err := json.Marshal(c)
		if err != nil {
			sess.log.Error("ws.change.encode.fail", "topic", topic, "err", err)
			return
		}
		env := g.newEnvelope(v1.TypeChange, "", b)

		select {
		case <-sess.client.Done():
			return
		default:
		}

		select {
		case sess.client.Send <- env:
			g.metrics.change("delivered")
		default:
			g.metrics.change("dropped")
			sess.log.Warn("ws.change.overflow", "topic", topic)
			go sess.shutdown(websocket.StatusPolicyViolation, "send queue overflow")
		}
	}
}

// watchSubscription reports a subscription the broker ended, so the client can resubscribe.
func (g *WSGateway) watchSubscription(sess *wsSession, sub feed.Subscription) {
	select {
	case <-sess.client.Done():
		return
	case <-sub.Done():
	}
	if !sess.client.removeSubscription(sub) {
		return
	}
	g.metrics.subscriptions.Dec()

	sess.log.Warn("ws.subscription.lost", "topic", sub.Topic(), "err", sub.Err())
	p, _ := json.Marshal(v1.ErrorPayload{
		Code:    v1.CodeUnavailable,
		Message: "subscription lost",
		Topic:   sub.Topic(),
	})
	_ = g.enqueue(sess.ctx, sess.client, g.newEnvelope(v1.TypeError, "", p))
}

// onRequest serves one store read or write on behalf of the session user.
func (g *WSGateway) onRequest(ctx context.Context, sess *wsSession, env v1.Envelope) error {
	user, err := requireUser(sess.client)
	if err != nil {
		return err
	}

	var res v1.ResultPayload
	switch env.Type {
	case v1.TypeMessageInsert:
		var in v1.MessageInsert
		if err := decodePayload(env, &in); err != nil {
			return err
		}
		if in.SenderID != user {
			return errForbidden("sender_id must be the session user")
		}
		rec, err := g.store.InsertMessage(ctx, in)
		if err != nil {
			return err
		}
		res = v1.ResultPayload{Messages: []v1.MessageRecord{rec}, RowsAffected: 1}

	case v1.TypeMessageStatus:
		var in v1.StatusUpdate
		if err := decodePayload(env, &in); err != nil {
			return err
		}
		if in.ReceiverID != user {
			return errForbidden("only the receiver may change a status")
		}
		rows, err := g.store.UpdateStatus(ctx, in)
		if err != nil {
			return err
		}
		res = v1.ResultPayload{Messages: rows, RowsAffected: int64(len(rows))}

	case v1.TypeMessageEdit:
		var in v1.MessageEdit
		if err := decodePayload(env, &in); err != nil {
			return err
		}
		if in.SenderID != user {
			return errForbidden("only the sender may edit")
		}
		rows, err := g.store.EditMessage(ctx, in)
		if err != nil {
			return err
		}
		res = v1.ResultPayload{Messages: rows, RowsAffected: int64(len(rows))}

	case v1.TypeReactionInsert, v1.TypeReactionDelete:
		var r v1.ReactionRecord
		if err := decodePayload(env, &r); err != nil {
			return err
		}
		if r.UserID != user {
			return errForbidden("user_id must be the session user")
		}
		if err := g.requireParticipant(ctx, user, r.MessageID); err != nil {
			return err
		}
		if env.Type == v1.TypeReactionInsert {
			row, err := g.store.InsertReaction(ctx, r)
			if err != nil {
				return err
			}
			res = v1.ResultPayload{Reactions: []v1.ReactionRecord{row}, RowsAffected: 1}
		} else {
			n, err := g.store.DeleteReaction(ctx, r)
			if err != nil {
				return err
			}
			res = v1.ResultPayload{RowsAffected: n}
		}

	case v1.TypeHistoryFetch:
		var in v1.HistoryFetch
		if err := decodePayload(env, &in); err != nil {
			return err
		}
		if in.UserA != user && in.UserB != user {
			return errForbidden("not a participant")
		}
		rows, err := g.store.FetchHistory(ctx, in)
		if err != nil {
			return err
		}
		res = v1.ResultPayload{Messages: rows, RowsAffected: int64(len(rows))}

	case v1.TypeReactionFetch:
		var in v1.ReactionFetch
		if err := decodePayload(env, &in); err != nil {
			return err
		}
		if err := g.requireParticipant(ctx, user, in.MessageID); err != nil {
			return err
		}
		rows, err := g.store.FetchReactions(ctx, in.MessageID)
		if err != nil {
			return err
		}
		res = v1.ResultPayload{Reactions: rows, RowsAffected: int64(len(rows))}
	}

	return g.reply(sess, v1.TypeResult, env.ID, res)
}

func (g *WSGateway) requireParticipant(ctx context.Context, user, messageID string) error {
	ok, err := g.access.Participant(ctx, user, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden("not a participant of message " + messageID)
	}
	return nil
}
