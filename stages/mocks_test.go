package stages

import (
	"context"

	"github.com/creastat/infra/telemetry"
	"github.com/stretchr/testify/mock"
)

func testLogger() telemetry.Logger {
	return telemetry.New(telemetry.Config{Level: "error"})
}

// MockSubscriber is a testify mock of transport.Subscriber
type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	args := m.Called(ctx, topic)
	if ch, ok := args.Get(0).(chan []byte); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPublisher is a testify mock of transport.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	args := m.Called(ctx, topic, body)
	return args.Error(0)
}
