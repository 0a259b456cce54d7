// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/abashkin/auction-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrAuctionNotFound возвращается, если аукцион не найден.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionNotOpen возвращается при ставке вне окна приёма ставок.
	ErrAuctionNotOpen = errors.New("auction is not open for bidding")
	// ErrBidTooLow возвращается, если ставка не превышает текущую цену.
	ErrBidTooLow = errors.New("bid is not higher than current bid")
	// ErrBelowStartingBid возвращается, если ставка меньше стартовой цены.
	ErrBelowStartingBid = errors.New("bid is below starting bid")
	// ErrAuctionStillLive возвращается при попытке перевыставить незавершённый аукцион.
	ErrAuctionStillLive = errors.New("auction has not ended yet")
	// ErrAuctionSettled возвращается, если расчёт по аукциону уже выполнен.
	ErrAuctionSettled = errors.New("auction already settled")
	// ErrBidConflict возвращается после исчерпания повторов при конфликте записи.
	ErrBidConflict = errors.New("bid write conflict")
)

// CommissionFunc вычисляет комиссию площадки по сумме выигравшей ставки в копейках.
type CommissionFunc func(amount int64) int64

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if isSerializationError(err) || isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, displayName, imageURL string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, display_name, image_url) VALUES ($1, $2, $3, $4) RETURNING id`,
		login, passwordHash, displayName, imageURL,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, display_name, image_url,
		        money_spent, auctions_won, unpaid_commission, created_at
		 FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, display_name, image_url,
		        money_spent, auctions_won, unpaid_commission, created_at
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.DisplayName, &u.ImageURL,
		&u.MoneySpent, &u.AuctionsWon, &u.UnpaidCommission, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateAuction сохраняет новый аукцион и возвращает его идентификатор.
func (r *PostgresRepository) CreateAuction(ctx context.Context, a *model.Auction) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO auctions (title, description, starting_bid, start_time, end_time, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.Title, a.Description, a.StartingBid, a.StartTime, a.EndTime, a.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create auction: %w", err)
	}
	return id, nil
}

// GetAuction возвращает аукцион вместе со встроенной проекцией ставок.
func (r *PostgresRepository) GetAuction(ctx context.Context, id int64) (*model.Auction, error) {
	var a model.Auction
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, description, starting_bid, current_bid, start_time, end_time,
		        highest_bidder, commission_calculated, created_by, created_at
		 FROM auctions WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Title, &a.Description, &a.StartingBid, &a.CurrentBid, &a.StartTime,
		&a.EndTime, &a.HighestBidder, &a.CommissionCalculated, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("get auction: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT bidder_id, bidder_name, bidder_image, amount, placed_at
		 FROM auction_bids
		 WHERE auction_id = $1
		 ORDER BY amount DESC, placed_at`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select auction bids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.BidEntry
		if err := rows.Scan(&e.BidderID, &e.BidderName, &e.BidderImage, &e.Amount, &e.PlacedAt); err != nil {
			return nil, fmt.Errorf("scan bid entry: %w", err)
		}
		a.Bids = append(a.Bids, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &a, nil
}

// ListAuctions возвращает все аукционы без встроенных проекций, новые первыми.
func (r *PostgresRepository) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description, starting_bid, current_bid, start_time, end_time,
		        highest_bidder, commission_calculated, created_by, created_at
		 FROM auctions
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select auctions: %w", err)
	}
	defer rows.Close()

	var res []model.Auction
	for rows.Next() {
		var a model.Auction
		if err := rows.Scan(&a.ID, &a.Title, &a.Description, &a.StartingBid, &a.CurrentBid,
			&a.StartTime, &a.EndTime, &a.HighestBidder, &a.CommissionCalculated,
			&a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PlaceBid принимает ставку участника в одной транзакции и возвращает новую
// текущую цену аукциона. Строка аукциона блокируется на время транзакции,
// поэтому конкурирующие ставки по одному лоту сериализуются.
func (r *PostgresRepository) PlaceBid(ctx context.Context, auctionID int64, bidder model.BidderProfile, amount int64, now time.Time) (int64, error) {
	var current int64
	err := r.withRetry(ctx, func() error {
		var txErr error
		current, txErr = r.placeBidTx(ctx, auctionID, bidder, amount, now)
		return txErr
	})
	if err != nil && isSerializationError(err) {
		return 0, fmt.Errorf("%w: %s", ErrBidConflict, err)
	}
	return current, err
}

func (r *PostgresRepository) placeBidTx(ctx context.Context, auctionID int64, bidder model.BidderProfile, amount int64, now time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Авторитетная проверка выполняется по заблокированной строке,
	// а не по снимку, прочитанному до транзакции.
	var (
		startingBid int64
		currentBid  int64
		startTime   time.Time
		endTime     time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT starting_bid, current_bid, start_time, end_time FROM auctions WHERE id = $1 FOR UPDATE`,
		auctionID,
	).Scan(&startingBid, &currentBid, &startTime, &endTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAuctionNotFound
		}
		return 0, fmt.Errorf("lock auction: %w", err)
	}

	if now.Before(startTime) || !now.Before(endTime) {
		return 0, ErrAuctionNotOpen
	}
	if amount <= currentBid {
		return 0, fmt.Errorf("%w: current bid is %d", ErrBidTooLow, currentBid)
	}
	if amount < startingBid {
		return 0, fmt.Errorf("%w: starting bid is %d", ErrBelowStartingBid, startingBid)
	}

	var (
		haveBid           bool
		bidName, bidImage string
		haveEntry         bool
		entryName         string
		entryImage        string
	)

	err = tx.QueryRow(ctx,
		`SELECT bidder_name, bidder_image FROM bids WHERE auction_id = $1 AND bidder_id = $2`,
		auctionID, bidder.ID,
	).Scan(&bidName, &bidImage)
	switch {
	case err == nil:
		haveBid = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return 0, fmt.Errorf("select bid: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT bidder_name, bidder_image FROM auction_bids WHERE auction_id = $1 AND bidder_id = $2`,
		auctionID, bidder.ID,
	).Scan(&entryName, &entryImage)
	switch {
	case err == nil:
		haveEntry = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return 0, fmt.Errorf("select bid entry: %w", err)
	}

	// При рассинхронизации половин идентичность берётся из уцелевшей записи,
	// недостающая половина досоздаётся, дальше обе обновляются как ревизия.
	name, image := bidder.DisplayName, bidder.ImageURL
	if haveBid {
		name, image = bidName, bidImage
	} else if haveEntry {
		name, image = entryName, entryImage
	}

	if haveBid {
		_, err = tx.Exec(ctx,
			`UPDATE bids SET amount = $3, placed_at = $4 WHERE auction_id = $1 AND bidder_id = $2`,
			auctionID, bidder.ID, amount, now)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO bids (auction_id, bidder_id, bidder_name, bidder_image, amount, placed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			auctionID, bidder.ID, name, image, amount, now)
	}
	if err != nil {
		return 0, fmt.Errorf("write bid: %w", err)
	}

	if haveEntry {
		_, err = tx.Exec(ctx,
			`UPDATE auction_bids SET amount = $3, placed_at = $4 WHERE auction_id = $1 AND bidder_id = $2`,
			auctionID, bidder.ID, amount, now)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO auction_bids (auction_id, bidder_id, bidder_name, bidder_image, amount, placed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			auctionID, bidder.ID, name, image, amount, now)
	}
	if err != nil {
		return 0, fmt.Errorf("write bid entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE auctions SET current_bid = $2 WHERE id = $1`,
		auctionID, amount)
	if err != nil {
		return 0, fmt.Errorf("update current bid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return amount, nil
}

// GetDueAuctions возвращает идентификаторы завершившихся аукционов, по которым
// ещё не выполнен расчёт.
func (r *PostgresRepository) GetDueAuctions(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM auctions
		 WHERE end_time <= $1 AND NOT commission_calculated
		 ORDER BY end_time
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due auctions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan auction id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// SettleAuction выполняет расчёт по одному завершённому аукциону: определяет
// победителя, начисляет траты и комиссию. Повторный вызов по уже рассчитанному
// аукциону возвращает ErrAuctionSettled без каких-либо изменений.
func (r *PostgresRepository) SettleAuction(ctx context.Context, auctionID int64, calc CommissionFunc) (*model.SettlementResult, error) {
	var res *model.SettlementResult
	err := r.withRetry(ctx, func() error {
		var txErr error
		res, txErr = r.settleAuctionTx(ctx, auctionID, calc)
		return txErr
	})
	return res, err
}

func (r *PostgresRepository) settleAuctionTx(ctx context.Context, auctionID int64, calc CommissionFunc) (*model.SettlementResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		currentBid int64
		calculated bool
		createdBy  int64
	)
	err = tx.QueryRow(ctx,
		`SELECT current_bid, commission_calculated, created_by FROM auctions WHERE id = $1 FOR UPDATE`,
		auctionID,
	).Scan(&currentBid, &calculated, &createdBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("lock auction: %w", err)
	}

	// Защита от повторного применения при перекрывающихся запусках.
	if calculated {
		return nil, ErrAuctionSettled
	}

	res := &model.SettlementResult{AuctionID: auctionID}

	var winnerID int64
	var winningAmount int64
	err = tx.QueryRow(ctx,
		`SELECT bidder_id, amount FROM auction_bids
		 WHERE auction_id = $1
		 ORDER BY amount DESC, placed_at
		 LIMIT 1`,
		auctionID,
	).Scan(&winnerID, &winningAmount)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Ставок не было: отмечаем аукцион рассчитанным без финансовых изменений.
		if _, err := tx.Exec(ctx,
			`UPDATE auctions SET commission_calculated = TRUE WHERE id = $1`, auctionID); err != nil {
			return nil, fmt.Errorf("mark settled: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("select winner: %w", err)
	}

	commission := calc(currentBid)

	_, err = tx.Exec(ctx,
		`UPDATE auctions SET highest_bidder = $2, commission_calculated = TRUE WHERE id = $1`,
		auctionID, winnerID)
	if err != nil {
		return nil, fmt.Errorf("update auction: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET money_spent = money_spent + $2, auctions_won = auctions_won + 1 WHERE id = $1`,
		winnerID, currentBid)
	if err != nil {
		return nil, fmt.Errorf("update winner: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET unpaid_commission = unpaid_commission + $2 WHERE id = $1`,
		createdBy, commission)
	if err != nil {
		return nil, fmt.Errorf("update creator commission: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	res.WinnerID = &winnerID
	res.WinningBid = currentBid
	res.Commission = commission
	return res, nil
}

// RepublishAuction перевыставляет завершённый аукцион с новым окном, откатывая
// уже применённые эффекты расчёта: траты и победы победителя, комиссию
// создателя, встроенную проекцию и отдельные записи ставок.
func (r *PostgresRepository) RepublishAuction(ctx context.Context, auctionID int64, newStart, newEnd, now time.Time, calc CommissionFunc) (*model.Auction, error) {
	err := r.withRetry(ctx, func() error {
		return r.republishTx(ctx, auctionID, newStart, newEnd, now, calc)
	})
	if err != nil {
		return nil, err
	}
	return r.GetAuction(ctx, auctionID)
}

func (r *PostgresRepository) republishTx(ctx context.Context, auctionID int64, newStart, newEnd, now time.Time, calc CommissionFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		currentBid    int64
		endTime       time.Time
		highestBidder *int64
		calculated    bool
		createdBy     int64
	)
	err = tx.QueryRow(ctx,
		`SELECT current_bid, end_time, highest_bidder, commission_calculated, created_by
		 FROM auctions WHERE id = $1 FOR UPDATE`,
		auctionID,
	).Scan(&currentBid, &endTime, &highestBidder, &calculated, &createdBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAuctionNotFound
		}
		return fmt.Errorf("lock auction: %w", err)
	}

	if endTime.After(now) {
		return ErrAuctionStillLive
	}

	if highestBidder != nil {
		// Точная инверсия расчёта: откатываем траты и счётчик побед победителя
		// даже при частично применённом расчёте.
		_, err = tx.Exec(ctx,
			`UPDATE users SET money_spent = money_spent - $2, auctions_won = auctions_won - 1 WHERE id = $1`,
			*highestBidder, currentBid)
		if err != nil {
			return fmt.Errorf("revert winner: %w", err)
		}

		if calculated {
			_, err = tx.Exec(ctx,
				`UPDATE users SET unpaid_commission = GREATEST(unpaid_commission - $2, 0) WHERE id = $1`,
				createdBy, calc(currentBid))
			if err != nil {
				return fmt.Errorf("revert creator commission: %w", err)
			}
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE auctions
		 SET start_time = $2, end_time = $3, current_bid = 0,
		     highest_bidder = NULL, commission_calculated = FALSE
		 WHERE id = $1`,
		auctionID, newStart, newEnd)
	if err != nil {
		return fmt.Errorf("reset auction: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM auction_bids WHERE auction_id = $1`, auctionID); err != nil {
		return fmt.Errorf("delete bid entries: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM bids WHERE auction_id = $1`, auctionID); err != nil {
		return fmt.Errorf("delete bids: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
