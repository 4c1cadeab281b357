package target

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	timestampFormat = "2006-01-02T15:04:05-0700"
	welcomeMessage  = "Welcome to the Matrix !"
)

// CreateUserRequest is the POST /api/v1/user payload.
type CreateUserRequest struct {
	Name  string `json:"name" validate:"required,min=3,max=50"`
	Email string `json:"email" validate:"required,email"`
	Age   int    `json:"age" validate:"required,gte=18,lte=100"`
}

// CreateUserResponse is returned with 201 after a user is stored.
type CreateUserResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt string    `json:"created_at"`
}

// GetUserResponse is a user as returned by the read endpoints.
type GetUserResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Age       int       `json:"age"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at,omitempty"`
}

func newGetUserResponse(u User) GetUserResponse {
	resp := GetUserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Age:       u.Age,
		CreatedAt: u.CreatedAt.Format(timestampFormat),
	}
	if u.UpdatedAt != nil {
		resp.UpdatedAt = u.UpdatedAt.Format(timestampFormat)
	}
	return resp
}

// UserHandler serves the user endpoints.
type UserHandler struct {
	store  Store
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler backed by store.
func NewUserHandler(store Store, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{store: store, logger: logger}
}

// CreateUser handles POST /api/v1/user.
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid CreateUserRequest payload", http.StatusBadRequest)
		return
	}

	if errs := ValidateStruct(req); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": errs})
		return
	}

	user, err := h.store.CreateUser(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to create user", "error", err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("user created", "id", user.ID, "email", user.Email)
	writeJSON(w, http.StatusCreated, CreateUserResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt.Format(timestampFormat),
	})
}

// GetUser handles GET /api/v1/user/{id}.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.logger.Error("failed to get user", "error", err)
		}
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, newGetUserResponse(user))
}

// ListUsers handles GET /api/v1/users.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("failed to list users", "error", err)
		http.Error(w, "Failed to list users", http.StatusInternalServerError)
		return
	}

	resp := make([]GetUserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, newGetUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// orderHandler handles GET /api/v1/order.
func orderHandler(now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "The new Order at time " + now().Format(time.RFC3339),
		})
	}
}

func welcomeHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(welcomeMessage))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
