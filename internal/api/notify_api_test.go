package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-circle-notifier/internal/api"
	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// --- Mocks ---
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) DispatchToOne(ctx context.Context, recipientID, title, body string) (dispatch.Result, error) {
	args := m.Called(ctx, recipientID, title, body)
	return args.Get(0).(dispatch.Result), args.Error(1)
}

func (m *MockDispatcher) DispatchToGroup(ctx context.Context, sel dispatch.Selector, title, body string) (*dispatch.Batch, error) {
	args := m.Called(ctx, sel, title, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.Batch), args.Error(1)
}

// --- Setup ---
func setupAPI(t *testing.T) (*http.ServeMux, *MockDispatcher) {
	t.Helper()
	d := new(MockDispatcher)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifyAPI := api.NewNotifyAPI(d, "Monitoring User", logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send-notification", notifyAPI.SendNotification)
	mux.HandleFunc("POST /notify-circle-members", notifyAPI.NotifyCircleMembers)
	mux.HandleFunc("POST /notify-admin-circle", notifyAPI.NotifyAdminCircle)
	mux.HandleFunc("POST /notify-monitoring-users", notifyAPI.NotifyMonitoringUsers)
	return mux, d
}

func post(t *testing.T, mux http.Handler, path string, payload any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w, out
}

// --- Tests ---

func TestSendNotification(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToOne", mock.Anything, "u1", "Hi", "Hello").
			Return(dispatch.Sent("u1", "msg-1"), nil).Once()

		w, out := post(t, mux, "/send-notification", map[string]string{"userId": "u1", "title": "Hi", "body": "Hello"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, out["success"])
		assert.Equal(t, "msg-1", out["response"])
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
		d.AssertExpectations(t)
	})

	t.Run("RecipientId Alias", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToOne", mock.Anything, "u9", "Hi", "Hello").
			Return(dispatch.Sent("u9", "msg-9"), nil).Once()

		w, _ := post(t, mux, "/send-notification", map[string]string{"recipientId": "u9", "title": "Hi", "body": "Hello"})

		assert.Equal(t, http.StatusOK, w.Code)
		d.AssertExpectations(t)
	})

	t.Run("Missing Fields", func(t *testing.T) {
		mux, d := setupAPI(t)

		w, out := post(t, mux, "/send-notification", map[string]string{"userId": "u1", "title": "Hi"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "Missing required fields", out["error"])
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
		d.AssertNotCalled(t, "DispatchToOne", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Token Not Found", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToOne", mock.Anything, "u2", "Hi", "Hello").
			Return(dispatch.Result{}, fmt.Errorf("%w: FCM token not found for user u2", dispatch.ErrNotFound)).Once()

		w, out := post(t, mux, "/send-notification", map[string]string{"userId": "u2", "title": "Hi", "body": "Hello"})

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, out["error"], "FCM token not found")
	})

	t.Run("Gateway Failure", func(t *testing.T) {
		mux, d := setupAPI(t)
		sendErr := fmt.Errorf("%w: fcm send failed: quota", dispatch.ErrDelivery)
		d.On("DispatchToOne", mock.Anything, "u1", "Hi", "Hello").
			Return(dispatch.Failed("u1", sendErr), sendErr).Once()

		w, out := post(t, mux, "/send-notification", map[string]string{"userId": "u1", "title": "Hi", "body": "Hello"})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, out["error"], "quota")
	})
}

func TestNotifyCircleMembers(t *testing.T) {
	batch := &dispatch.Batch{ID: "b-1", Results: []dispatch.Result{
		dispatch.Skipped("sender", dispatch.SkipExcludedSender),
		dispatch.Sent("m1", "msg-1"),
		dispatch.Failed("m2", fmt.Errorf("%w: unregistered", dispatch.ErrDelivery)),
		dispatch.Skipped("m3", dispatch.SkipNoToken),
	}}

	t.Run("Defaults Role And Excludes Sender", func(t *testing.T) {
		mux, d := setupAPI(t)
		want := dispatch.Selector{GroupCode: "ABC", Role: "Monitoring User", ExcludeID: "sender"}
		d.On("DispatchToGroup", mock.Anything, want, "Alert", "Help").Return(batch, nil).Once()

		w, out := post(t, mux, "/notify-circle-members", map[string]string{
			"circleCode": "ABC", "title": "Alert", "body": "Help", "senderUid": "sender",
		})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, out["success"])
		assert.Equal(t, "b-1", out["batchId"])
		results := out["results"].([]any)
		require.Len(t, results, 2, "skipped recipients are omitted without diagnostics")
		assert.Equal(t, "m1", results[0].(map[string]any)["recipientId"])
		assert.Equal(t, "msg-1", results[0].(map[string]any)["response"])
		assert.Contains(t, results[1].(map[string]any)["error"], "unregistered")

		summary := out["summary"].(map[string]any)
		assert.EqualValues(t, 1, summary["sent"])
		assert.EqualValues(t, 2, summary["skipped"])
		assert.EqualValues(t, 1, summary["failed"])
		d.AssertExpectations(t)
	})

	t.Run("Diagnostics Include Skips", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "Alert", "Help").Return(batch, nil).Once()

		_, out := post(t, mux, "/notify-circle-members?diagnostics=true", map[string]string{
			"circleCode": "ABC", "title": "Alert", "body": "Help", "senderUid": "sender",
		})

		results := out["results"].([]any)
		require.Len(t, results, 4)
		assert.Equal(t, string(dispatch.SkipExcludedSender), results[0].(map[string]any)["skipped"])
	})

	t.Run("Explicit Role", func(t *testing.T) {
		mux, d := setupAPI(t)
		want := dispatch.Selector{GroupCode: "ABC", Role: "Admin", ExcludeID: "sender"}
		d.On("DispatchToGroup", mock.Anything, want, "Alert", "Help").Return(&dispatch.Batch{ID: "b-2"}, nil).Once()

		w, _ := post(t, mux, "/notify-circle-members", map[string]string{
			"circleCode": "ABC", "title": "Alert", "body": "Help", "senderUid": "sender", "role": "Admin",
		})

		assert.Equal(t, http.StatusOK, w.Code)
		d.AssertExpectations(t)
	})

	t.Run("Empty Circle", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "Alert", "Help").Return(&dispatch.Batch{ID: "b-3"}, nil).Once()

		w, out := post(t, mux, "/notify-circle-members", map[string]string{
			"circleCode": "NONE", "title": "Alert", "body": "Help", "senderUid": "sender",
		})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, out["success"])
		assert.Equal(t, "No members found in this circle", out["message"])
		assert.Nil(t, out["results"])
	})

	t.Run("Nothing Sendable", func(t *testing.T) {
		mux, d := setupAPI(t)
		onlySkips := &dispatch.Batch{ID: "b-4", Results: []dispatch.Result{
			dispatch.Skipped("sender", dispatch.SkipExcludedSender),
		}}
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "Alert", "Help").Return(onlySkips, nil).Once()

		_, out := post(t, mux, "/notify-circle-members", map[string]string{
			"circleCode": "ABC", "title": "Alert", "body": "Help", "senderUid": "sender",
		})

		assert.Equal(t, "No other monitoring users found", out["message"])
	})

	t.Run("Missing Sender", func(t *testing.T) {
		mux, _ := setupAPI(t)

		w, out := post(t, mux, "/notify-circle-members", map[string]string{
			"circleCode": "ABC", "title": "Alert", "body": "Help",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, out["success"])
	})

	t.Run("Directory Failure", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "Alert", "Help").
			Return(nil, fmt.Errorf("%w: firestore unavailable", dispatch.ErrDependency)).Once()

		w, out := post(t, mux, "/notify-circle-members", map[string]string{
			"circleCode": "ABC", "title": "Alert", "body": "Help", "senderUid": "sender",
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, out["error"], "firestore unavailable")
	})
}

func TestNotifyAdminCircle(t *testing.T) {
	t.Run("Enables Location", func(t *testing.T) {
		mux, d := setupAPI(t)
		want := dispatch.Selector{AdminID: "admin-1", IncludeLocation: true}
		d.On("DispatchToGroup", mock.Anything, want, "SOS", "Help").
			Return(&dispatch.Batch{ID: "b-1", Results: []dispatch.Result{dispatch.Sent("m1", "msg-1")}}, nil).Once()

		w, out := post(t, mux, "/notify-admin-circle", map[string]string{"adminId": "admin-1", "title": "SOS", "body": "Help"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, out["message"])
		d.AssertExpectations(t)
	})

	t.Run("Admin Not Found", func(t *testing.T) {
		mux, d := setupAPI(t)
		d.On("DispatchToGroup", mock.Anything, mock.Anything, "SOS", "Help").
			Return(nil, fmt.Errorf("%w: admin admin-x", dispatch.ErrNotFound)).Once()

		w, out := post(t, mux, "/notify-admin-circle", map[string]string{"adminId": "admin-x", "title": "SOS", "body": "Help"})

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, false, out["success"])
	})
}

func TestNotifyMonitoringUsers(t *testing.T) {
	mux, d := setupAPI(t)
	want := dispatch.Selector{Role: "Monitoring User", StrictRole: true}
	d.On("DispatchToGroup", mock.Anything, want, "Drill", "Now").
		Return(&dispatch.Batch{ID: "b-1", Results: []dispatch.Result{dispatch.Sent("m1", "msg-1")}}, nil).Once()

	w, out := post(t, mux, "/notify-monitoring-users", map[string]string{"title": "Drill", "body": "Now"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["results"], 1)
	d.AssertExpectations(t)
}

func TestInvalidJSON(t *testing.T) {
	mux, _ := setupAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/send-notification", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
