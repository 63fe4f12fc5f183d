package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-circle-notifier/internal/pipeline"
	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Typed Mocks ---

type mockGroupDispatcher struct {
	mock.Mock
}

func (m *mockGroupDispatcher) DispatchToGroup(ctx context.Context, sel dispatch.Selector, title, body string) (*dispatch.Batch, error) {
	args := m.Called(ctx, sel, title, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.Batch), args.Error(1)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	msg := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "pubsub-1"}}
	alert := &pipeline.CircleAlert{
		Mode:       pipeline.ModeCircle,
		CircleCode: "ABC",
		SenderUID:  "u1",
		Title:      "Hi",
		Body:       "Hello",
	}
	wantSel := dispatch.Selector{GroupCode: "ABC", Role: "Monitoring User", ExcludeID: "u1"}

	t.Run("Dispatches And Acks", func(t *testing.T) {
		d := new(mockGroupDispatcher)
		batch := &dispatch.Batch{ID: "b-1", Results: []dispatch.Result{
			dispatch.Sent("m1", "msg-1"),
			dispatch.Failed("m2", fmt.Errorf("%w: boom", dispatch.ErrDelivery)),
		}}
		d.On("DispatchToGroup", mock.Anything, wantSel, "Hi", "Hello").Return(batch, nil).Once()

		processor := pipeline.NewProcessor(d, "Monitoring User", logger)
		err := processor(ctx, msg, alert)

		require.NoError(t, err, "per-recipient failures never nack the message")
		d.AssertExpectations(t)
	})

	t.Run("Empty Audience Acks", func(t *testing.T) {
		d := new(mockGroupDispatcher)
		d.On("DispatchToGroup", mock.Anything, wantSel, "Hi", "Hello").Return(&dispatch.Batch{ID: "b-2"}, nil).Once()

		processor := pipeline.NewProcessor(d, "Monitoring User", logger)
		assert.NoError(t, processor(ctx, msg, alert))
	})

	t.Run("Not Found Acks", func(t *testing.T) {
		d := new(mockGroupDispatcher)
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "Hi", "Hello").
			Return(nil, fmt.Errorf("%w: admin gone", dispatch.ErrNotFound)).Once()

		processor := pipeline.NewProcessor(d, "Monitoring User", logger)
		assert.NoError(t, processor(ctx, msg, alert))
	})

	t.Run("Dependency Failure Nacks", func(t *testing.T) {
		d := new(mockGroupDispatcher)
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "Hi", "Hello").
			Return(nil, fmt.Errorf("%w: firestore unavailable", dispatch.ErrDependency)).Once()

		processor := pipeline.NewProcessor(d, "Monitoring User", logger)
		err := processor(ctx, msg, alert)

		require.Error(t, err)
		assert.True(t, errors.Is(err, dispatch.ErrDependency))
	})
}
