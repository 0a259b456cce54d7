// Package service реализует бизнес-логику аукционного сервиса.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/abashkin/auction-system/internal/commission"
	"github.com/abashkin/auction-system/internal/model"
	"github.com/abashkin/auction-system/internal/profile"
	"github.com/abashkin/auction-system/internal/repository"
	"github.com/abashkin/auction-system/internal/validation"
)

// ErrInvalidAmount возвращается при нечисловой или неположительной сумме ставки.
var (
	ErrInvalidAmount = errors.New("invalid bid amount")
	// ErrInvalidWindow возвращается при некорректном окне аукциона.
	ErrInvalidWindow = errors.New("invalid auction window")
)

// Количество повторов всей операции ставки при конфликте записи.
const bidConflictRetries = 3

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, displayName, imageURL string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateAuction(ctx context.Context, a *model.Auction) (int64, error)
	GetAuction(ctx context.Context, id int64) (*model.Auction, error)
	ListAuctions(ctx context.Context) ([]model.Auction, error)
	PlaceBid(ctx context.Context, auctionID int64, bidder model.BidderProfile, amount int64, now time.Time) (int64, error)
	GetDueAuctions(ctx context.Context, now time.Time, limit int) ([]int64, error)
	SettleAuction(ctx context.Context, auctionID int64, calc repository.CommissionFunc) (*model.SettlementResult, error)
	RepublishAuction(ctx context.Context, auctionID int64, newStart, newEnd, now time.Time, calc repository.CommissionFunc) (*model.Auction, error)
}

// ProfileProvider описывает контракт внешнего сервиса профилей.
type ProfileProvider interface {
	GetProfile(ctx context.Context, userID int64) (*profile.UserProfile, error)
}

// Service содержит бизнес-логику аукционного сервиса.
type Service struct {
	repo     Repository
	profiles ProfileProvider
	policy   commission.Policy
	logger   *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием, клиентом сервиса
// профилей и политикой комиссии.
func NewService(repo Repository, profiles ProfileProvider, policy commission.Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		profiles: profiles,
		policy:   policy,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password, displayName, imageURL string) (int64, error) {
	hashed := hashPassword(login, password)
	if displayName == "" {
		displayName = login
	}
	id, err := s.repo.CreateUser(ctx, login, hashed, displayName, imageURL)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetUserByID возвращает пользователя по идентификатору.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// CreateAuction создаёт новый аукцион с указанным окном и стартовой ценой.
func (s *Service) CreateAuction(ctx context.Context, createdBy int64, title, description string, startingBid float64, start, end time.Time) (*model.Auction, error) {
	if !validation.IsValidAmount(startingBid) {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidWindow(start, end, time.Now()) {
		return nil, ErrInvalidWindow
	}

	a := &model.Auction{
		Title:       title,
		Description: description,
		StartingBid: toCents(startingBid),
		StartTime:   start,
		EndTime:     end,
		CreatedBy:   createdBy,
	}

	id, err := s.repo.CreateAuction(ctx, a)
	if err != nil {
		return nil, err
	}

	return s.repo.GetAuction(ctx, id)
}

// GetAuction возвращает аукцион со встроенной проекцией ставок.
func (s *Service) GetAuction(ctx context.Context, id int64) (*model.Auction, error) {
	return s.repo.GetAuction(ctx, id)
}

// ListAuctions возвращает список всех аукционов.
func (s *Service) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	return s.repo.ListAuctions(ctx)
}

// PlaceBid принимает ставку участника и возвращает новую текущую цену аукциона.
// Конфликты записи повторяются ограниченное число раз, после чего ошибка
// возвращается вызывающей стороне для повтора с актуальной ценой.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID int64, amount float64) (float64, error) {
	if !validation.IsValidAmount(amount) {
		return 0, ErrInvalidAmount
	}

	bidder, err := s.bidderProfile(ctx, bidderID)
	if err != nil {
		return 0, err
	}

	cents := toCents(amount)

	var current int64
	backoff := retry.WithMaxRetries(bidConflictRetries, retry.NewConstant(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var bidErr error
		current, bidErr = s.repo.PlaceBid(ctx, auctionID, bidder, cents, time.Now())
		if errors.Is(bidErr, repository.ErrBidConflict) {
			return retry.RetryableError(bidErr)
		}
		return bidErr
	})
	if err != nil {
		return 0, err
	}

	return fromCents(current), nil
}

// bidderProfile возвращает денормализуемые поля участника: из внешнего сервиса
// профилей, а при его недоступности — из локальной таблицы пользователей.
func (s *Service) bidderProfile(ctx context.Context, bidderID int64) (model.BidderProfile, error) {
	if s.profiles != nil {
		p, err := s.profiles.GetProfile(ctx, bidderID)
		if err == nil {
			return model.BidderProfile{ID: p.ID, DisplayName: p.DisplayName, ImageURL: p.ImageURL}, nil
		}
		s.logger.Warn("profile service unavailable, falling back to local users",
			zap.Int64("bidderID", bidderID), zap.Error(err))
	}

	u, err := s.repo.GetUserByID(ctx, bidderID)
	if err != nil {
		return model.BidderProfile{}, err
	}

	name := u.DisplayName
	if name == "" {
		name = u.Login
	}
	return model.BidderProfile{ID: u.ID, DisplayName: name, ImageURL: u.ImageURL}, nil
}

// SettleDueAuctions выполняет один проход расчёта по всем завершившимся
// нерассчитанным аукционам. Ошибка по одному аукциону не прерывает проход.
func (s *Service) SettleDueAuctions(ctx context.Context) (settled, failed int, err error) {
	ids, err := s.repo.GetDueAuctions(ctx, time.Now(), 100)
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		res, err := s.repo.SettleAuction(ctx, id, s.policy.Calculate)
		if err != nil {
			// Аукцион успел рассчитать перекрывающийся запуск.
			if errors.Is(err, repository.ErrAuctionSettled) {
				continue
			}
			s.logger.Error("settle auction failed", zap.Int64("auctionID", id), zap.Error(err))
			failed++
			continue
		}

		if res.WinnerID != nil {
			s.logger.Info("auction settled",
				zap.Int64("auctionID", id),
				zap.Int64("winnerID", *res.WinnerID),
				zap.Int64("winningBid", res.WinningBid),
				zap.Int64("commission", res.Commission))
		} else {
			s.logger.Info("auction closed without bids", zap.Int64("auctionID", id))
		}
		settled++
	}

	return settled, failed, nil
}

// Republish перевыставляет завершённый аукцион с новым окном, откатывая
// эффекты расчёта.
func (s *Service) Republish(ctx context.Context, auctionID int64, newStart, newEnd time.Time) (*model.Auction, error) {
	now := time.Now()
	if !validation.IsValidWindow(newStart, newEnd, now) {
		return nil, ErrInvalidWindow
	}
	return s.repo.RepublishAuction(ctx, auctionID, newStart, newEnd, now, s.policy.Calculate)
}

// StartSettlementLoop запускает фоновый процесс периодического расчёта
// завершившихся аукционов.
func (s *Service) StartSettlementLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := s.SettleDueAuctions(ctx); err != nil {
					s.logger.Error("settlement pass failed", zap.Error(err))
				}
			}
		}
	}()
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}
