package nats

import (
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"educhain-indexer/internal/models"
)

func eventOfType(eventType string) *models.Event {
	seq := uint64(4)
	return &models.Event{TxDigest: "d1", EventSeq: &seq, EventType: &eventType}
}

func TestEventSubject(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{eventType: "0xabc::educhain::CourseCreated", want: "educhain.events.educhain.CourseCreated"},
		{eventType: "0x2::coin::Wrapper<0x2::sui::SUI>", want: "educhain.events.coin.Wrapper"},
		{eventType: "0xabc::my.module::Odd Name", want: "educhain.events.my_module.Odd_Name"},
		{eventType: "garbage", want: "educhain.events.unknown"},
		{eventType: "", want: "educhain.events.unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, EventSubject("educhain.events", eventOfType(tt.eventType)))
		})
	}

	assert.Equal(t, "educhain.events.unknown", EventSubject("educhain.events", &models.Event{}))
}

func TestDerefSeq(t *testing.T) {
	seq := uint64(9)
	assert.Equal(t, uint64(9), derefSeq(&seq))
	assert.Equal(t, uint64(0), derefSeq(nil))
}

// Requires a running server: TEST_NATS_URL=nats://localhost:4222
func TestPublishIntegration(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pub, err := NewPublisher(url, "educhain.test", 3, 100*time.Millisecond, logger)
	require.NoError(t, err)
	defer pub.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("educhain.test.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.Publish(eventOfType("0xabc::educhain::Enrolled")))
	require.NoError(t, pub.Flush(2*time.Second))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "educhain.test.educhain.Enrolled", msg.Subject)
	assert.Equal(t, "d1:4", msg.Header.Get(nats.MsgIdHdr))

	var got models.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "d1", got.TxDigest)
	assert.Equal(t, uint64(4), *got.EventSeq)
}

func TestCloseDeliversBufferedMessages(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("educhain.drain.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub, err := NewPublisher(url, "educhain.drain", 3, 100*time.Millisecond, logger)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, pub.Publish(eventOfType("0xabc::educhain::Enrolled")))
	}
	pub.Close()
	assert.True(t, pub.conn.IsClosed())

	for i := 0; i < 100; i++ {
		_, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err, "message %d", i)
	}
}
