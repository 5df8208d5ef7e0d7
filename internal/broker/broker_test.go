package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/meetmemo/pipeline/internal/db"
	"github.com/meetmemo/pipeline/internal/db/models"
)

var testOptions = Options{
	VisibilityTimeout: 50 * time.Millisecond,
	PollInterval:      20 * time.Millisecond,
}

// BrokerTestSuite runs the delivery contract against one backend
type BrokerTestSuite struct {
	suite.Suite
	ctx     context.Context
	broker  Broker
	newFunc func(t *testing.T) Broker
}

func (s *BrokerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.broker = s.newFunc(s.T())
}

func (s *BrokerTestSuite) TearDownTest() {
	_ = s.broker.Close()
}

func (s *BrokerTestSuite) dequeue(lane models.Lane) *Delivery {
	d, err := s.broker.Dequeue(s.ctx, lane)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	return d
}

func (s *BrokerTestSuite) TestPing() {
	s.NoError(s.broker.Ping(s.ctx))
}

func (s *BrokerTestSuite) TestLanesAreIndependent() {
	s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneAudio, "job-audio"))
	s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneAI, "job-ai"))

	d := s.dequeue(models.LaneAI)
	s.Equal("job-ai", d.JobID)
	s.Equal(models.LaneAI, d.Lane)
	s.Equal(1, d.Attempt)
	s.NoError(s.broker.Ack(s.ctx, d))

	d = s.dequeue(models.LaneAudio)
	s.Equal("job-audio", d.JobID)
	s.NoError(s.broker.Ack(s.ctx, d))

	_, err := s.broker.Dequeue(s.ctx, models.LaneAudio)
	s.ErrorIs(err, ErrEmpty)
}

func (s *BrokerTestSuite) TestFIFOWithinLane() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneDefault, fmt.Sprintf("job-%d", i)))
	}
	for i := 0; i < 3; i++ {
		d := s.dequeue(models.LaneDefault)
		s.Equal(fmt.Sprintf("job-%d", i), d.JobID)
		s.NoError(s.broker.Ack(s.ctx, d))
	}
}

func (s *BrokerTestSuite) TestUnackedIsRedelivered() {
	s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneDefault, "job-1"))
	first := s.dequeue(models.LaneDefault)

	// simulated crash: never settled
	time.Sleep(2 * testOptions.VisibilityTimeout)

	second := s.dequeue(models.LaneDefault)
	s.Equal("job-1", second.JobID)
	s.Equal(first.ID, second.ID)
	s.Equal(2, second.Attempt)
	s.NoError(s.broker.Ack(s.ctx, second))
}

func (s *BrokerTestSuite) TestStaleDeliveryCannotSettle() {
	s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneAudio, "job-1"))
	stale := s.dequeue(models.LaneAudio)

	time.Sleep(2 * testOptions.VisibilityTimeout)
	current := s.dequeue(models.LaneAudio)
	s.Equal("job-1", current.JobID)

	s.Error(s.broker.Ack(s.ctx, stale))
	s.Error(s.broker.Nack(s.ctx, stale, true, 0))

	// the current delivery is untouched by the stale settles
	s.NoError(s.broker.Nack(s.ctx, current, true, 0))
	again := s.dequeue(models.LaneAudio)
	s.Equal("job-1", again.JobID)
	s.Equal(3, again.Attempt)
	s.NoError(s.broker.Ack(s.ctx, again))

	_, err := s.broker.Dequeue(s.ctx, models.LaneAudio)
	s.ErrorIs(err, ErrEmpty)
}

func (s *BrokerTestSuite) TestNackRequeueWithDelay() {
	s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneAI, "job-1"))
	d := s.dequeue(models.LaneAI)
	s.Require().NoError(s.broker.Nack(s.ctx, d, true, 30*time.Millisecond))

	_, err := s.broker.Dequeue(s.ctx, models.LaneAI)
	s.ErrorIs(err, ErrEmpty)

	time.Sleep(40 * time.Millisecond)
	again := s.dequeue(models.LaneAI)
	s.Equal("job-1", again.JobID)
	s.Equal(2, again.Attempt)
	s.NoError(s.broker.Ack(s.ctx, again))
}

func (s *BrokerTestSuite) TestNackWithoutRequeue() {
	s.Require().NoError(s.broker.Enqueue(s.ctx, models.LaneAI, "job-1"))
	d := s.dequeue(models.LaneAI)
	s.Require().NoError(s.broker.Nack(s.ctx, d, false, 0))

	time.Sleep(2 * testOptions.VisibilityTimeout)
	_, err := s.broker.Dequeue(s.ctx, models.LaneAI)
	s.ErrorIs(err, ErrEmpty)
}

func (s *BrokerTestSuite) TestDequeueHonoursContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.broker.Dequeue(ctx, models.LaneAudio)
	s.Error(err)
}

func TestDatabaseBroker(t *testing.T) {
	suite.Run(t, &BrokerTestSuite{newFunc: func(t *testing.T) Broker {
		dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_json=1", uuid.NewString())
		gdb, err := db.New(db.Options{Endpoint: db.SQLitePrefix + dsn, LogLevel: logger.Silent})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close(gdb) })
		return NewDatabaseBroker(gdb, testOptions)
	}})
}

func TestRedisBroker(t *testing.T) {
	suite.Run(t, &BrokerTestSuite{newFunc: func(t *testing.T) Broker {
		mr := miniredis.RunT(t)
		b, err := NewRedisBroker("redis://"+mr.Addr()+"/0", testOptions)
		require.NoError(t, err)
		return b
	}})
}

func TestRedisRecoversMessageWithoutDeadline(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker("redis://"+mr.Addr()+"/0", testOptions)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, models.LaneAudio, "job-1"))
	// a consumer died after taking the message but before stamping its deadline
	_, err = b.client.RPopLPush(pendingKey(models.LaneAudio), processingKey(models.LaneAudio)).Result()
	require.NoError(t, err)

	var d *Delivery
	require.Eventually(t, func() bool {
		got, err := b.Dequeue(ctx, models.LaneAudio)
		if err != nil {
			return false
		}
		d = got
		return true
	}, 10*testOptions.VisibilityTimeout, testOptions.PollInterval)

	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, b.Ack(ctx, d))

	n, err := b.client.LLen(processingKey(models.LaneAudio)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew(t *testing.T) {
	_, err := New("amqp://localhost", nil, Options{})
	assert.Error(t, err)

	_, err = New("database", nil, Options{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	b, err := New("redis://"+mr.Addr(), nil, Options{})
	require.NoError(t, err)
	assert.IsType(t, &RedisBroker{}, b)
	assert.NoError(t, b.Ping(context.Background()))
	_ = b.Close()
}

func TestRedisPingUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker("redis://"+mr.Addr(), Options{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	mr.Close()
	assert.ErrorIs(t, b.Ping(context.Background()), ErrUnavailable)
}
