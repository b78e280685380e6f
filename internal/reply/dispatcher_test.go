package reply

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *capturePublisher) PublishMsg(msg *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestReply_PublishesCorrelatedMessage(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub)
	balance := decimal.RequireFromString("150.00")

	err := d.Reply(context.Background(), "q.bank.reply", "corr-1", domain.Reply{
		MessageID: "m1",
		Status:    domain.ReplyOK,
		Balance:   &balance,
		Version:   1,
	})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "q.bank.reply", msg.Subject)
	assert.Equal(t, "corr-1", msg.Header.Get(queue.HeaderCorrelationID))

	var got domain.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, domain.ReplyOK, got.Status)
	require.NotNil(t, got.Balance)
	assert.True(t, got.Balance.Equal(balance))
}

func TestReply_EmptyDestinationIsSkipped(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDispatcher(pub)

	err := d.Reply(context.Background(), "", "corr-2", domain.Reply{Status: domain.ReplyRejected})
	assert.NoError(t, err)
	assert.Empty(t, pub.msgs)
}

func TestReply_FailureIsWrapped(t *testing.T) {
	d := NewDispatcher(&capturePublisher{err: nats.ErrConnectionClosed})

	err := d.Reply(context.Background(), "q.bank.reply", "corr-3", domain.Reply{Status: domain.ReplyFailed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReplyFailure))
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
}
