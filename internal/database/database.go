package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Martin-Hayot/auction-storefront/configs"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schema string

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// Migrate creates the tables the storefront reads from. It is idempotent.
	Migrate(ctx context.Context) error

	// LOT METHODS
	UpsertLot(ctx context.Context, lot types.LotRecord) error
	RecordBid(ctx context.Context, lotID string, amount int64) error
	FetchCatalog(ctx context.Context) ([]types.LotRecord, error)
	FetchLotDetail(ctx context.Context, id string) (types.LotDetail, error)

	// ORDER METHODS
	SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error)
}

type service struct {
	db *sql.DB
}

func New(cfg configs.DatabaseConfig) (Service, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		cfg.SSLMode,
	)
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	log.Info("Opened database", "host", cfg.Host, "name", cfg.Name)
	return &service{db: db}, nil
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	// Ping the database
	err := s.db.PingContext(ctx)
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Errorf("db down: %v", err)
		return stats
	}

	// Database is up, add more statistics
	stats["status"] = "up"
	stats["message"] = "It's healthy"

	// Get database stats (like open connections, in use, idle, etc.)
	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.OpenConnections >= dbStats.MaxOpenConnections-1 {
		stats["message"] = "The database is experiencing heavy load."
	}

	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	log.Info("Disconnected from database")
	return s.db.Close()
}

func (s *service) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify(err, "error migrating schema")
		}
	}
	log.Debug("Database schema up to date")
	return nil
}

// UpsertLot inserts the lot or replaces every column of an existing one.
// The bid history is not touched.
func (s *service) UpsertLot(ctx context.Context, lot types.LotRecord) error {
	query := `
        INSERT INTO lots (id, title, image, description, about, min_price, price, status, datetime)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            image = EXCLUDED.image,
            description = EXCLUDED.description,
            about = EXCLUDED.about,
            min_price = EXCLUDED.min_price,
            price = EXCLUDED.price,
            status = EXCLUDED.status,
            datetime = EXCLUDED.datetime
    `
	_, err := s.db.ExecContext(ctx, query,
		lot.ID, lot.Title, lot.Image, lot.Description, lot.About,
		lot.MinPrice, lot.Price, string(lot.Status), lot.Datetime,
	)
	if err != nil {
		return classify(err, "error upserting lot "+lot.ID)
	}
	return nil
}

// RecordBid appends amount to the lot's history and makes it the current
// price. Closed lots reject bids.
func (s *service) RecordBid(ctx context.Context, lotID string, amount int64) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status types.LotStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM lots WHERE id = $1 FOR UPDATE`, lotID).Scan(&status)
	if err != nil {
		return classify(err, "error getting lot "+lotID)
	}
	if status == types.LotStatusClosed {
		return errors.New(errors.ErrLotClosed, fmt.Sprintf("lot %s is closed", lotID))
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO bids (id, lot_id, amount) VALUES ($1, $2, $3)`, uuid.New(), lotID, amount); err != nil {
		return classify(err, "error creating bid")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE lots SET price = $1 WHERE id = $2`, amount, lotID); err != nil {
		return classify(err, "error updating lot price")
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "error committing bid")
	}
	log.Debugf("Lot %s updated with new bid: %d", lotID, amount)
	return nil
}

func (s *service) FetchCatalog(ctx context.Context) ([]types.LotRecord, error) {
	query := `SELECT id, title, image, description, about, min_price, price, status, datetime FROM lots ORDER BY datetime ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "error getting lot list")
	}
	defer rows.Close()

	var lots []types.LotRecord
	index := make(map[string]int)
	for rows.Next() {
		var lot types.LotRecord
		err := rows.Scan(
			&lot.ID,
			&lot.Title,
			&lot.Image,
			&lot.Description,
			&lot.About,
			&lot.MinPrice,
			&lot.Price,
			&lot.Status,
			&lot.Datetime,
		)
		if err != nil {
			return nil, classify(err, "error scanning lot")
		}
		index[lot.ID] = len(lots)
		lots = append(lots, lot)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err, "error iterating over lots")
	}

	bids, err := s.db.QueryContext(ctx, `SELECT lot_id, amount FROM bids ORDER BY created_at ASC`)
	if err != nil {
		return nil, classify(err, "error getting bid history")
	}
	defer bids.Close()
	for bids.Next() {
		var (
			lotID  string
			amount int64
		)
		if err := bids.Scan(&lotID, &amount); err != nil {
			return nil, classify(err, "error scanning bid")
		}
		if i, ok := index[lotID]; ok {
			lots[i].History = append(lots[i].History, amount)
		}
	}
	if err = bids.Err(); err != nil {
		return nil, classify(err, "error iterating over bids")
	}

	log.Debugf("Fetched %d lots", len(lots))
	return lots, nil
}

func (s *service) FetchLotDetail(ctx context.Context, id string) (types.LotDetail, error) {
	var detail types.LotDetail
	err := s.db.QueryRowContext(ctx, `SELECT description FROM lots WHERE id = $1`, id).Scan(&detail.Description)
	if err != nil {
		return types.LotDetail{}, classify(err, "error getting lot "+id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM bids WHERE lot_id = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return types.LotDetail{}, classify(err, "error getting bid history")
	}
	defer rows.Close()

	detail.History = []int64{}
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return types.LotDetail{}, classify(err, "error scanning bid")
		}
		detail.History = append(detail.History, amount)
	}
	if err = rows.Err(); err != nil {
		return types.LotDetail{}, classify(err, "error iterating over bids")
	}
	return detail, nil
}

// SubmitOrder stores the order and its items in one transaction. The total is
// the sum of the current prices of the ordered lots.
func (s *service) SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return types.OrderAck{}, err
	}
	defer tx.Rollback()

	var total int64
	for _, id := range order.Items {
		var price int64
		err := tx.QueryRowContext(ctx, `SELECT price FROM lots WHERE id = $1 FOR UPDATE`, id).Scan(&price)
		if err != nil {
			return types.OrderAck{}, classify(err, "error getting ordered lot "+id)
		}
		total += price
	}

	orderID := uuid.New()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, email, phone, total) VALUES ($1, $2, $3, $4)`,
		orderID, order.Email, order.Phone, total,
	)
	if err != nil {
		return types.OrderAck{}, classify(err, "error creating order")
	}
	for _, id := range order.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO order_items (order_id, lot_id) VALUES ($1, $2)`, orderID, id); err != nil {
			return types.OrderAck{}, classify(err, "error creating order item")
		}
	}

	if err := tx.Commit(); err != nil {
		return types.OrderAck{}, classify(err, "error committing order")
	}
	log.Info("Order stored", "id", orderID, "items", len(order.Items), "total", total)
	return types.OrderAck{ID: orderID.String(), Total: total}, nil
}

// beginTx starts a new serializable transaction.
func (s *service) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, classify(err, "error starting transaction")
	}
	return tx, nil
}

// classify maps driver errors onto retryable and fatal application errors.
func classify(err error, message string) *errors.AppError {
	if stdErrors.Is(err, sql.ErrNoRows) {
		return errors.Fatal(errors.ErrLotNotFound, err, message)
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return errors.Fatal(errors.ErrUpstream, err, message)
	}

	var (
		pgErr   *pgconn.PgError
		connErr *pgconn.ConnectError
	)
	switch {
	case stdErrors.As(err, &pgErr):
		// serialization_failure and deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return errors.Retryable(errors.ErrStateConflict, err, message)
		}
		if pgErr.Code == "23503" {
			return errors.Fatal(errors.ErrLotNotFound, err, message)
		}
		return errors.Fatal(errors.ErrUpstream, err, message)
	case stdErrors.As(err, &connErr),
		stdErrors.Is(err, driver.ErrBadConn),
		pgconn.SafeToRetry(err),
		pgconn.Timeout(err):
		return errors.Retryable(errors.ErrUpstream, err, message)
	}
	return errors.Fatal(errors.ErrUpstream, err, message)
}
