package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.messenger", mock.MatchedBy(func(event any) bool {
		envelope, ok := event.(AuditEnvelope)
		if !ok {
			return false
		}
		return envelope.EventType == "audit_log" &&
			envelope.Service == "messenger-service" &&
			envelope.Environment == "test" &&
			envelope.RequestID == "req-1" &&
			envelope.Payload.Level == "INFO" &&
			envelope.Payload.Text == "Room created"
	})).Return(nil).Once()

	emitter := NewAuditEmitter(publisher, "audit.messenger", "messenger-service", "test")
	userID := int64(42)
	emitter.Emit(context.Background(), "INFO", "Room created", "req-1", &userID)

	publisher.AssertExpectations(t)
}

func TestEmitCarriesUserID(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	var captured AuditEnvelope
	publisher.On("Publish", mock.Anything, "audit.messenger", mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(2).(AuditEnvelope)
		}).Return(nil).Once()

	emitter := NewAuditEmitter(publisher, "audit.messenger", "messenger-service", "test")
	userID := int64(7)
	emitter.Emit(context.Background(), "ERROR", "not allowed", "req-2", &userID)

	require.NotNil(t, captured.UserID)
	assert.Equal(t, int64(7), *captured.UserID)
	assert.Equal(t, 1, captured.SchemaVersion)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.messenger", mock.Anything).
		Return(errors.New("broker down")).Once()

	emitter := NewAuditEmitter(publisher, "audit.messenger", "messenger-service", "test")
	emitter.Emit(context.Background(), "ERROR", "internal error", "req-3", nil)

	publisher.AssertExpectations(t)
}

func TestEmitWithoutPublisherIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	emitter.Emit(context.Background(), "INFO", "ignored", "req-4", nil)

	emitter = NewAuditEmitter(nil, "audit.messenger", "messenger-service", "test")
	emitter.Emit(context.Background(), "INFO", "ignored", "req-5", nil)
}
