package repos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/meetmemo/pipeline/internal/db/models"
)

type QueueRepositoryTestSuite struct {
	DBRepositoryTestSuite
}

func TestQueueRepository(t *testing.T) {
	suite.Run(t, new(QueueRepositoryTestSuite))
}

func (s *QueueRepositoryTestSuite) enqueue(lane models.Lane, jobID string) *models.QueueMessage {
	msg := &models.QueueMessage{Lane: lane, JobID: jobID}
	s.Require().NoError(s.queueRepo.Enqueue(s.ctx, msg))
	return msg
}

func (s *QueueRepositoryTestSuite) TestEnqueueValidates() {
	s.Error(s.queueRepo.Enqueue(s.ctx, &models.QueueMessage{Lane: models.LaneAI}))
	s.Error(s.queueRepo.Enqueue(s.ctx, &models.QueueMessage{Lane: "gpu", JobID: "job"}))
}

func (s *QueueRepositoryTestSuite) TestReserveFIFOPerLane() {
	s.enqueue(models.LaneAudio, "job-1")
	s.enqueue(models.LaneAI, "job-2")
	s.enqueue(models.LaneAudio, "job-3")

	msg, err := s.queueRepo.Reserve(s.ctx, models.LaneAudio, "c1", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(msg)
	s.Equal("job-1", msg.JobID)
	s.Equal(1, msg.Attempts)

	msg, err = s.queueRepo.Reserve(s.ctx, models.LaneAudio, "c1", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(msg)
	s.Equal("job-3", msg.JobID)

	msg, err = s.queueRepo.Reserve(s.ctx, models.LaneAudio, "c1", time.Minute)
	s.NoError(err)
	s.Nil(msg)

	count, err := s.queueRepo.CountReady(s.ctx, models.LaneAI)
	s.NoError(err)
	s.Equal(int64(1), count)
}

func (s *QueueRepositoryTestSuite) TestAck() {
	s.enqueue(models.LaneDefault, "job-1")
	msg, err := s.queueRepo.Reserve(s.ctx, models.LaneDefault, "c1", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(msg)

	s.NotEmpty(msg.Receipt)
	s.ErrorIs(s.queueRepo.Ack(s.ctx, msg.ID, "c1"), ErrMessageNotFound)
	s.ErrorIs(s.queueRepo.Ack(s.ctx, msg.ID, ""), ErrMessageNotFound)
	s.NoError(s.queueRepo.Ack(s.ctx, msg.ID, msg.Receipt))
	s.ErrorIs(s.queueRepo.Ack(s.ctx, msg.ID, msg.Receipt), ErrMessageNotFound)

	count, err := s.queueRepo.CountReady(s.ctx, models.LaneDefault)
	s.NoError(err)
	s.Zero(count)
}

func (s *QueueRepositoryTestSuite) TestVisibilityTimeoutRedelivers() {
	s.enqueue(models.LaneDefault, "job-1")
	first, err := s.queueRepo.Reserve(s.ctx, models.LaneDefault, "c1", 10*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	time.Sleep(20 * time.Millisecond)

	second, err := s.queueRepo.Reserve(s.ctx, models.LaneDefault, "c2", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(second)
	s.Equal(first.ID, second.ID)
	s.Equal(2, second.Attempts)

	// the first reservation no longer owns the message
	s.NotEqual(first.Receipt, second.Receipt)
	s.ErrorIs(s.queueRepo.Ack(s.ctx, first.ID, first.Receipt), ErrMessageNotFound)
	s.ErrorIs(s.queueRepo.Requeue(s.ctx, first.ID, first.Receipt, 0), ErrMessageNotFound)
	s.NoError(s.queueRepo.Ack(s.ctx, second.ID, second.Receipt))
}

func (s *QueueRepositoryTestSuite) TestStaleReceiptOfSameConsumer() {
	s.enqueue(models.LaneAudio, "job-1")
	first, err := s.queueRepo.Reserve(s.ctx, models.LaneAudio, "c1", 10*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	time.Sleep(20 * time.Millisecond)

	// another worker of the same process takes the expired message
	second, err := s.queueRepo.Reserve(s.ctx, models.LaneAudio, "c1", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(second)
	s.Equal(first.ID, second.ID)

	s.ErrorIs(s.queueRepo.Ack(s.ctx, first.ID, first.Receipt), ErrMessageNotFound)
	s.ErrorIs(s.queueRepo.Bury(s.ctx, first.ID, first.Receipt), ErrMessageNotFound)

	count, err := s.queueRepo.CountReady(s.ctx, models.LaneAudio)
	s.NoError(err)
	s.Equal(int64(1), count)
	s.NoError(s.queueRepo.Requeue(s.ctx, second.ID, second.Receipt, 0))
}

func (s *QueueRepositoryTestSuite) TestRequeueWithDelay() {
	s.enqueue(models.LaneAI, "job-1")
	msg, err := s.queueRepo.Reserve(s.ctx, models.LaneAI, "c1", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(msg)

	s.NoError(s.queueRepo.Requeue(s.ctx, msg.ID, msg.Receipt, 30*time.Millisecond))

	again, err := s.queueRepo.Reserve(s.ctx, models.LaneAI, "c1", time.Minute)
	s.NoError(err)
	s.Nil(again)

	time.Sleep(40 * time.Millisecond)
	again, err = s.queueRepo.Reserve(s.ctx, models.LaneAI, "c1", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(again)
	s.Equal(msg.ID, again.ID)
}

func (s *QueueRepositoryTestSuite) TestBury() {
	s.enqueue(models.LaneAI, "job-1")
	msg, err := s.queueRepo.Reserve(s.ctx, models.LaneAI, "c1", 10*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(msg)

	s.NoError(s.queueRepo.Bury(s.ctx, msg.ID, msg.Receipt))
	time.Sleep(20 * time.Millisecond)

	again, err := s.queueRepo.Reserve(s.ctx, models.LaneAI, "c1", time.Minute)
	s.NoError(err)
	s.Nil(again)

	count, err := s.queueRepo.CountReady(s.ctx, models.LaneAI)
	s.NoError(err)
	s.Zero(count)
}
