package handler

import (
	"net/http"

	"github.com/ayo6706/sharded-wallet/internal/service"
)

type AuthHandler struct {
	svc *service.IdentityService
}

func NewAuthHandler(svc *service.IdentityService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	RegionID int32  `json:"region_id"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates the catalog user and an empty account on the home shard.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	user, err := h.svc.Register(r.Context(), service.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
		RegionID: req.RegionID,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	res, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}
