// Package handler содержит HTTP-обработчики API аукционного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/abashkin/auction-system/internal/middleware"
	"github.com/abashkin/auction-system/internal/model"
	"github.com/abashkin/auction-system/internal/repository"
	"github.com/abashkin/auction-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, displayName, imageURL string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateAuction(ctx context.Context, createdBy int64, title, description string, startingBid float64, start, end time.Time) (*model.Auction, error)
	GetAuction(ctx context.Context, id int64) (*model.Auction, error)
	ListAuctions(ctx context.Context) ([]model.Auction, error)
	PlaceBid(ctx context.Context, auctionID, bidderID int64, amount float64) (float64, error)
	Republish(ctx context.Context, auctionID int64, newStart, newEnd time.Time) (*model.Auction, error)
	SettleDueAuctions(ctx context.Context) (int, int, error)
}

// Handler реализует HTTP-обработчики API аукционного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Login       string `json:"login"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Register обрабатывает регистрацию нового участника.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.DisplayName, req.ImageURL)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию участника и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type bidEntryResponse struct {
	BidderID    int64   `json:"bidder_id"`
	BidderName  string  `json:"bidder_name"`
	BidderImage string  `json:"bidder_image,omitempty"`
	Amount      float64 `json:"amount"`
}

type auctionResponse struct {
	ID                   int64              `json:"id"`
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	StartingBid          float64            `json:"starting_bid"`
	CurrentBid           float64            `json:"current_bid"`
	StartTime            string             `json:"start_time"`
	EndTime              string             `json:"end_time"`
	HighestBidder        *int64             `json:"highest_bidder,omitempty"`
	CommissionCalculated bool               `json:"commission_calculated"`
	CreatedBy            int64              `json:"created_by"`
	Bids                 []bidEntryResponse `json:"bids,omitempty"`
}

func toAuctionResponse(a *model.Auction) auctionResponse {
	resp := auctionResponse{
		ID:                   a.ID,
		Title:                a.Title,
		Description:          a.Description,
		StartingBid:          float64(a.StartingBid) / 100,
		CurrentBid:           float64(a.CurrentBid) / 100,
		StartTime:            a.StartTime.Format(time.RFC3339),
		EndTime:              a.EndTime.Format(time.RFC3339),
		HighestBidder:        a.HighestBidder,
		CommissionCalculated: a.CommissionCalculated,
		CreatedBy:            a.CreatedBy,
	}
	for _, e := range a.Bids {
		resp.Bids = append(resp.Bids, bidEntryResponse{
			BidderID:    e.BidderID,
			BidderName:  e.BidderName,
			BidderImage: e.BidderImage,
			Amount:      float64(e.Amount) / 100,
		})
	}
	return resp
}

type createAuctionRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	StartingBid float64 `json:"starting_bid"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
}

// CreateAuction создаёт новый аукцион от имени текущего участника.
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Title == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	start, end, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	a, err := h.service.CreateAuction(r.Context(), userID, req.Title, req.Description, req.StartingBid, start, end)
	if err != nil {
		h.writeError(w, err, "create auction error", zap.Int64("userID", userID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toAuctionResponse(a)); err != nil {
		h.logger.Error("encode auction error", zap.Error(err))
	}
}

// ListAuctions возвращает список всех аукционов.
func (h *Handler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := h.service.ListAuctions(r.Context())
	if err != nil {
		h.logger.Error("list auctions error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(auctions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]auctionResponse, 0, len(auctions))
	for i := range auctions {
		resp = append(resp, toAuctionResponse(&auctions[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetAuction возвращает аукцион со встроенной проекцией ставок.
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, err := auctionIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	a, err := h.service.GetAuction(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, err, "get auction error", zap.Int64("auctionID", auctionID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toAuctionResponse(a)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type bidRequest struct {
	Amount float64 `json:"amount"`
}

type bidResponse struct {
	CurrentBid float64 `json:"current_bid"`
}

// PlaceBid принимает ставку текущего участника по указанному аукциону.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	auctionID, err := auctionIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	current, err := h.service.PlaceBid(r.Context(), auctionID, userID, req.Amount)
	if err != nil {
		h.writeError(w, err, "place bid error",
			zap.Int64("auctionID", auctionID), zap.Int64("userID", userID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(bidResponse{CurrentBid: current}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type republishRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Republish перевыставляет завершённый аукцион с новым окном.
func (h *Handler) Republish(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserIDFromContext(r.Context()); !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	auctionID, err := auctionIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req republishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	start, end, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	a, err := h.service.Republish(r.Context(), auctionID, start, end)
	if err != nil {
		h.writeError(w, err, "republish auction error", zap.Int64("auctionID", auctionID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toAuctionResponse(a)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type settlementResponse struct {
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// RunSettlement запускает один проход расчёта завершившихся аукционов.
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	settled, failed, err := h.service.SettleDueAuctions(r.Context())
	if err != nil {
		h.logger.Error("settlement run error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(settlementResponse{Settled: settled, Failed: failed}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// writeError транслирует доменные ошибки в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, repository.ErrAuctionNotFound), errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrBidTooLow),
		errors.Is(err, repository.ErrBelowStartingBid),
		errors.Is(err, repository.ErrAuctionNotOpen),
		errors.Is(err, repository.ErrAuctionStillLive),
		errors.Is(err, repository.ErrBidConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidWindow):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func auctionIDFromRequest(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "auctionID"), 10, 64)
}

func parseWindow(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid start_time")
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid end_time")
	}
	return start, end, nil
}
