package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MasterStore is the catalog store: identities, regions, the global
// reconciliation log and the HTTP idempotency keys.
type MasterStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)

	CreateRegion(ctx context.Context, r models.Region) error
	GetRegion(ctx context.Context, id int32) (models.Region, error)
	ListRegions(ctx context.Context) ([]models.Region, error)

	CreateGlobalLog(ctx context.Context, e *models.GlobalLogEntry) error
	ListGlobalLogs(ctx context.Context, limit int32) ([]models.GlobalLogEntry, error)

	GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKey, error)
	ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (bool, error)
	FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKey, error)
	ReleaseIdempotencyKey(ctx context.Context, key, requestHash string) error

	Ping(ctx context.Context) error
}

type IdempotencyKey struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	InProgress     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

type FinalizeIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
}

// Master implements MasterStore on Postgres.
type Master struct {
	db *pgxpool.Pool
}

func NewMaster(db *pgxpool.Pool) *Master {
	return &Master{db: db}
}

var _ MasterStore = (*Master)(nil)

func (m *Master) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := m.db.QueryRow(ctx, `
		INSERT INTO users (id, username, password_hash, full_name, email, phone, region_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NOW())
		RETURNING created_at`,
		u.ID, u.Username, u.PasswordHash, u.FullName, u.Email, u.Phone, u.RegionID,
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", mapErr(err))
	}
	return nil
}

func (m *Master) DeleteUser(ctx context.Context, id uuid.UUID) error {
	_, err := m.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return mapErr(err)
}

const userColumns = `id, username, password_hash, full_name, COALESCE(email, ''), COALESCE(phone, ''), region_id, created_at`

func (m *Master) getUser(ctx context.Context, where string, arg any) (models.User, error) {
	var u models.User
	err := m.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.Email, &u.Phone, &u.RegionID, &u.CreatedAt)
	return u, mapErr(err)
}

func (m *Master) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	return m.getUser(ctx, `id = $1`, id)
}

func (m *Master) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return m.getUser(ctx, `username = $1`, username)
}

func (m *Master) CreateRegion(ctx context.Context, r models.Region) error {
	_, err := m.db.Exec(ctx, `INSERT INTO regions (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, r.ID, r.Name)
	return mapErr(err)
}

func (m *Master) GetRegion(ctx context.Context, id int32) (models.Region, error) {
	var r models.Region
	err := m.db.QueryRow(ctx, `SELECT id, name FROM regions WHERE id = $1`, id).Scan(&r.ID, &r.Name)
	return r, mapErr(err)
}

func (m *Master) ListRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := m.db.Query(ctx, `SELECT id, name FROM regions ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	regions := []models.Region{}
	for rows.Next() {
		var r models.Region
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, mapErr(rows.Err())
}

func (m *Master) CreateGlobalLog(ctx context.Context, e *models.GlobalLogEntry) error {
	err := m.db.QueryRow(ctx, `
		INSERT INTO global_transaction_logs (regional_transaction_id, type, sender_id, receiver_id, amount,
			regional_time, source_region_id, dest_region_id, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING id, created_at`,
		e.RegionalTransactionID, e.Type, e.SenderID, e.ReceiverID, e.Amount,
		e.RegionalTime, e.SourceRegionID, e.DestRegionID, e.Status, e.Note,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create global log: %w", mapErr(err))
	}
	return nil
}

func (m *Master) ListGlobalLogs(ctx context.Context, limit int32) ([]models.GlobalLogEntry, error) {
	rows, err := m.db.Query(ctx, `
		SELECT id, regional_transaction_id, type, sender_id, receiver_id, amount, regional_time,
			source_region_id, dest_region_id, status, note, created_at
		FROM global_transaction_logs
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	entries := []models.GlobalLogEntry{}
	for rows.Next() {
		var e models.GlobalLogEntry
		if err := rows.Scan(&e.ID, &e.RegionalTransactionID, &e.Type, &e.SenderID, &e.ReceiverID, &e.Amount,
			&e.RegionalTime, &e.SourceRegionID, &e.DestRegionID, &e.Status, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, mapErr(rows.Err())
}

const idempotencyColumns = `idempotency_key, request_hash, method, path, response_status, response_body,
	content_type, in_progress, created_at, updated_at`

func scanIdempotencyKey(row interface{ Scan(dest ...any) error }) (IdempotencyKey, error) {
	var k IdempotencyKey
	err := row.Scan(&k.IdempotencyKey, &k.RequestHash, &k.Method, &k.Path, &k.ResponseStatus, &k.ResponseBody,
		&k.ContentType, &k.InProgress, &k.CreatedAt, &k.UpdatedAt)
	return k, mapErr(err)
}

func (m *Master) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKey, error) {
	return scanIdempotencyKey(m.db.QueryRow(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE idempotency_key = $1`, key))
}

func (m *Master) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (bool, error) {
	tag, err := m.db.Exec(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, response_status, response_body,
			content_type, in_progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, ''::bytea, '', TRUE, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (m *Master) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKey, error) {
	return scanIdempotencyKey(m.db.QueryRow(ctx, `
		UPDATE idempotency_keys
		SET response_status = $3, response_body = $4, content_type = $5, in_progress = FALSE, updated_at = NOW()
		WHERE idempotency_key = $1 AND request_hash = $2
		RETURNING `+idempotencyColumns,
		arg.IdempotencyKey, arg.RequestHash, arg.ResponseStatus, arg.ResponseBody, arg.ContentType))
}

// ReleaseIdempotencyKey drops an unfinished reservation. Finished keys are
// left alone.
func (m *Master) ReleaseIdempotencyKey(ctx context.Context, key, requestHash string) error {
	_, err := m.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE idempotency_key = $1 AND request_hash = $2 AND in_progress`,
		key, requestHash)
	return mapErr(err)
}

func (m *Master) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}
