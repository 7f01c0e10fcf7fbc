package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkimg/internal/models"
)

// fakeReader serves queued messages and returns io.EOF once they run out,
// the way kafka.Reader does after Close.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErr  error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return kafka.Message{}, r.fetchErr
	}
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func kafkaMessage(t *testing.T, offset int64, value []byte) kafka.Message {
	t.Helper()
	return kafka.Message{Topic: "image-jobs", Partition: 2, Offset: offset, Value: value}
}

func TestKafkaProducerKeysBySubmission(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	id := uuid.New()

	require.NoError(t, p.Enqueue(context.Background(), models.Job{SubmissionID: id}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, id.String(), string(w.msgs[0].Key))
	job, err := Decode(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, id, job.SubmissionID)

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, p.Enqueue(context.Background(), models.Job{SubmissionID: id}), "leader not available")
}

func TestKafkaConsumerCommitsOnAck(t *testing.T) {
	id := uuid.New()
	raw, err := Encode(models.Job{SubmissionID: id})
	require.NoError(t, err)
	r := &fakeReader{msgs: []kafka.Message{kafkaMessage(t, 7, raw)}}
	c := &KafkaConsumer{reader: r, log: zerolog.Nop()}

	d, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.SubmissionID)
	assert.Equal(t, "image-jobs/2/7", d.ID)
	assert.Empty(t, r.committed, "nothing is committed before ack")

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, []int64{7}, r.committed)
}

func TestKafkaConsumerCommitsUndecodableMessages(t *testing.T) {
	id := uuid.New()
	raw, err := Encode(models.Job{SubmissionID: id})
	require.NoError(t, err)
	r := &fakeReader{msgs: []kafka.Message{
		kafkaMessage(t, 1, []byte("{not json")),
		kafkaMessage(t, 2, raw),
	}}
	c := &KafkaConsumer{reader: r, log: zerolog.Nop()}

	d, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.SubmissionID)
	assert.Equal(t, []int64{1}, r.committed)
}

func TestKafkaConsumerMapsEOFToErrClosed(t *testing.T) {
	r := &fakeReader{}
	c := &KafkaConsumer{reader: r, log: zerolog.Nop()}

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}

func TestKafkaConsumerWrapsFetchErrors(t *testing.T) {
	c := &KafkaConsumer{reader: &fakeReader{fetchErr: errors.New("broker down")}, log: zerolog.Nop()}

	_, err := c.Receive(context.Background())
	assert.ErrorContains(t, err, "broker down")
	assert.NotErrorIs(t, err, ErrClosed)
}

func TestKafkaDeliveryHasNoLease(t *testing.T) {
	raw, err := Encode(models.Job{SubmissionID: uuid.New()})
	require.NoError(t, err)
	c := &KafkaConsumer{reader: &fakeReader{msgs: []kafka.Message{kafkaMessage(t, 0, raw)}}, log: zerolog.Nop()}

	d, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, d.leaseEvery)
	assert.NoError(t, d.Extend(context.Background()))
}
