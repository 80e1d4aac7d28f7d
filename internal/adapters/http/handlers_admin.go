package http

import (
	"net/http"

	"github.com/viralforge/devicetrust/internal/application"
)

type setDeviceStateRequest struct {
	State string `json:"state"`
}

type setAccountStatusRequest struct {
	Status string `json:"status"`
}

type clearLockoutRequest struct {
	Key string `json:"key"`
}

// actingAdmin is always the owner of the validated session; the service
// decides whether that user holds the admin capability.
func actingAdmin(r *http.Request) (application.SessionInfo, bool) {
	return sessionFromContext(r)
}

func (h *Handler) adminListPendingDevices(w http.ResponseWriter, r *http.Request) {
	admin, ok := actingAdmin(r)
	if !ok {
		writeMissingBearerError(r.Context(), w, "admin_list_pending_devices")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	items, err := h.service.AdminListPendingDevices(r.Context(), admin.User.UserID, limit)
	if err != nil {
		writeMappedError(r.Context(), w, "admin_list_pending_devices", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"devices": items})
}

func (h *Handler) adminListUserDevices(w http.ResponseWriter, r *http.Request) {
	admin, ok := actingAdmin(r)
	if !ok {
		writeMissingBearerError(r.Context(), w, "admin_list_user_devices")
		return
	}
	userID, err := parseUUIDParam(r, "user_id")
	if err != nil {
		writeValidationError(r.Context(), w, "admin_list_user_devices", err)
		return
	}
	items, err := h.service.AdminListUserDevices(r.Context(), userID, admin.User.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "admin_list_user_devices", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"devices": items})
}

func (h *Handler) adminSetDeviceState(w http.ResponseWriter, r *http.Request) {
	admin, ok := actingAdmin(r)
	if !ok {
		writeMissingBearerError(r.Context(), w, "admin_set_device_state")
		return
	}
	deviceID, err := parseUUIDParam(r, "device_id")
	if err != nil {
		writeValidationError(r.Context(), w, "admin_set_device_state", err)
		return
	}
	var req setDeviceStateRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "admin_set_device_state", err)
		return
	}
	device, err := h.service.AdminSetDeviceState(r.Context(), deviceID, req.State, admin.User.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "admin_set_device_state", err)
		return
	}
	writeSuccess(w, http.StatusOK, device)
}

func (h *Handler) adminToggleAccount(w http.ResponseWriter, r *http.Request) {
	admin, ok := actingAdmin(r)
	if !ok {
		writeMissingBearerError(r.Context(), w, "admin_toggle_account")
		return
	}
	userID, err := parseUUIDParam(r, "user_id")
	if err != nil {
		writeValidationError(r.Context(), w, "admin_toggle_account", err)
		return
	}
	var req setAccountStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "admin_toggle_account", err)
		return
	}
	user, err := h.service.AdminToggleAccount(r.Context(), userID, req.Status, admin.User.UserID)
	if err != nil {
		writeMappedError(r.Context(), w, "admin_toggle_account", err)
		return
	}
	writeSuccess(w, http.StatusOK, user)
}

func (h *Handler) adminLoginHistory(w http.ResponseWriter, r *http.Request) {
	admin, ok := actingAdmin(r)
	if !ok {
		writeMissingBearerError(r.Context(), w, "admin_login_history")
		return
	}
	userID, err := parseUUIDParam(r, "user_id")
	if err != nil {
		writeValidationError(r.Context(), w, "admin_login_history", err)
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	items, err := h.service.AdminLoginHistory(r.Context(), userID, admin.User.UserID, limit)
	if err != nil {
		writeMappedError(r.Context(), w, "admin_login_history", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"attempts": items})
}

func (h *Handler) adminClearLockout(w http.ResponseWriter, r *http.Request) {
	admin, ok := actingAdmin(r)
	if !ok {
		writeMissingBearerError(r.Context(), w, "admin_clear_lockout")
		return
	}
	var req clearLockoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "admin_clear_lockout", err)
		return
	}
	if err := h.service.AdminUnblock(r.Context(), req.Key, admin.User.UserID); err != nil {
		writeMappedError(r.Context(), w, "admin_clear_lockout", err)
		return
	}
	writeMessage(w, http.StatusOK, "Lockout cleared")
}
