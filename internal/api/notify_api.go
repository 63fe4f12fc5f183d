package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// Dispatcher is the part of the engine the HTTP layer drives.
type Dispatcher interface {
	DispatchToOne(ctx context.Context, recipientID, title, body string) (dispatch.Result, error)
	DispatchToGroup(ctx context.Context, sel dispatch.Selector, title, body string) (*dispatch.Batch, error)
}

const (
	msgNoMembers         = "No members found in this circle"
	msgNoMonitoringUsers = "No other monitoring users found"
)

type NotifyAPI struct {
	Dispatcher     Dispatcher
	MonitoringRole string
	Logger         *slog.Logger
}

func NewNotifyAPI(d Dispatcher, monitoringRole string, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		Dispatcher:     d,
		MonitoringRole: monitoringRole,
		Logger:         logger.With("component", "NotifyAPI"),
	}
}

// --- Direct send ---

type SendRequest struct {
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

func (api *NotifyAPI) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := req.RecipientID
	if id == "" {
		id = req.UserID
	}
	if id == "" || req.Title == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	res, err := api.Dispatcher.DispatchToOne(r.Context(), id, req.Title, req.Body)
	if err != nil {
		api.fail(w, "send-notification", err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "response": res.Receipt})
}

// --- Group sends ---

type CircleRequest struct {
	CircleCode string `json:"circleCode"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	SenderUID  string `json:"senderUid"`
	Role       string `json:"role,omitempty"`
}

func (api *NotifyAPI) NotifyCircleMembers(w http.ResponseWriter, r *http.Request) {
	var req CircleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CircleCode == "" || req.Title == "" || req.Body == "" || req.SenderUID == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	role := req.Role
	if role == "" {
		role = api.MonitoringRole
	}
	sel := dispatch.Selector{GroupCode: req.CircleCode, Role: role, ExcludeID: req.SenderUID}
	api.group(w, r, "notify-circle-members", sel, req.Title, req.Body)
}

type AdminRequest struct {
	AdminID string `json:"adminId"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

func (api *NotifyAPI) NotifyAdminCircle(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AdminID == "" || req.Title == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	sel := dispatch.Selector{AdminID: req.AdminID, IncludeLocation: true}
	api.group(w, r, "notify-admin-circle", sel, req.Title, req.Body)
}

type BroadcastRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (api *NotifyAPI) NotifyMonitoringUsers(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Title == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	sel := dispatch.Selector{Role: api.MonitoringRole, StrictRole: true}
	api.group(w, r, "notify-monitoring-users", sel, req.Title, req.Body)
}

// ResultEntry is one recipient line in a group response.
type ResultEntry struct {
	RecipientID string `json:"recipientId"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
	Skipped     string `json:"skipped,omitempty"`
}

type GroupResponse struct {
	Success bool             `json:"success"`
	BatchID string           `json:"batchId,omitempty"`
	Message string           `json:"message,omitempty"`
	Results []ResultEntry    `json:"results,omitempty"`
	Summary *dispatch.Counts `json:"summary,omitempty"`
}

func (api *NotifyAPI) group(w http.ResponseWriter, r *http.Request, op string, sel dispatch.Selector, title, body string) {
	batch, err := api.Dispatcher.DispatchToGroup(r.Context(), sel, title, body)
	if err != nil {
		api.fail(w, op, err)
		return
	}

	resp := GroupResponse{Success: true, BatchID: batch.ID}
	if batch.Empty() {
		resp.Message = msgNoMembers
		response.WriteJSON(w, http.StatusOK, resp)
		return
	}

	counts := batch.Counts()
	resp.Summary = &counts
	diagnostics, _ := strconv.ParseBool(r.URL.Query().Get("diagnostics"))
	for _, res := range batch.Results {
		switch res.Outcome {
		case dispatch.OutcomeSent:
			resp.Results = append(resp.Results, ResultEntry{RecipientID: res.RecipientID, Response: res.Receipt})
		case dispatch.OutcomeFailed:
			resp.Results = append(resp.Results, ResultEntry{RecipientID: res.RecipientID, Error: res.Err.Error()})
		case dispatch.OutcomeSkipped:
			if diagnostics {
				resp.Results = append(resp.Results, ResultEntry{RecipientID: res.RecipientID, Skipped: string(res.Reason)})
			}
		}
	}
	if len(batch.Delivered()) == 0 {
		resp.Message = msgNoMonitoringUsers
	}
	response.WriteJSON(w, http.StatusOK, resp)
}

// fail maps the dispatch error taxonomy onto HTTP status codes.
func (api *NotifyAPI) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		api.Logger.Error("Request failed", "op", op, "err", err)
	} else {
		api.Logger.Warn("Request rejected", "op", op, "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	response.WriteJSON(w, status, map[string]any{"success": false, "error": msg})
}
