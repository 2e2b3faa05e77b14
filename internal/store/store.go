package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"guestkey/internal/log"
	"guestkey/internal/model"
)

// ErrNotFound is returned when a reservation or subscription does not exist.
var ErrNotFound = errors.New("store: not found")

// Store defines the interface for all database operations.
type Store interface {
	CreateReservation(ctx context.Context, r *model.Reservation) error
	GetReservation(ctx context.Context, id int64) (*model.Reservation, error)
	GetReservationByUID(ctx context.Context, uid string) (*model.Reservation, error)
	ListActive(ctx context.Context) ([]model.Reservation, error)
	ListExpirable(ctx context.Context, cutoff time.Time) ([]model.Reservation, error)
	ListRecent(ctx context.Context, limit int) ([]model.Reservation, error)
	ActiveCodes(ctx context.Context) (map[string]struct{}, error)
	CodeTaken(ctx context.Context, code string, exceptID int64) (bool, error)
	CountByStatus(ctx context.Context) (map[model.ReservationStatus]int64, error)

	UpdateStatus(ctx context.Context, id int64, status model.ReservationStatus) error
	UpdateLockRef(ctx context.Context, id int64, ref string) error
	UpdateDates(ctx context.Context, id int64, checkIn, checkOut time.Time) error
	UpdateAccessCode(ctx context.Context, id int64, code string) error

	// LogAction appends an action log entry. detail is stored verbatim when it
	// is a string and JSON-encoded otherwise.
	LogAction(ctx context.Context, reservationID *int64, action model.Action, detail any) error
	Actions(ctx context.Context, reservationID int64) ([]model.ActionLog, error)
	Ledger() *Ledger

	SaveSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error)

	DB() *gorm.DB
	Close() error
}

// Option customizes a gormStore.
type Option func(*gormStore)

// WithClock overrides the clock used to timestamp log entries.
func WithClock(now func() time.Time) Option {
	return func(s *gormStore) { s.now = now }
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db     *gorm.DB
	ledger *Ledger
	now    func() time.Time
	logger zerolog.Logger
}

// NewGormStore creates a new GORM-backed store and rebuilds the ledger from
// the persisted action log.
func NewGormStore(ctx context.Context, db *gorm.DB, opts ...Option) (Store, error) {
	s := &gormStore{
		db:     db,
		ledger: NewLedger(),
		now:    time.Now,
		logger: log.WithComponent("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.rebuildLedger(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *gormStore) rebuildLedger(ctx context.Context) error {
	var entries []model.ActionLog
	applied := 0
	err := s.db.WithContext(ctx).FindInBatches(&entries, 500, func(tx *gorm.DB, batch int) error {
		for _, e := range entries {
			s.ledger.Apply(e)
		}
		applied += len(entries)
		return nil
	}).Error
	if err != nil {
		return fmt.Errorf("failed to rebuild ledger: %w", err)
	}
	s.logger.Debug().Int("entries", applied).Msg("ledger rebuilt from action log")
	return nil
}

func (s *gormStore) DB() *gorm.DB { return s.db }

func (s *gormStore) Ledger() *Ledger { return s.ledger }

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateReservation inserts r and fills in its ID.
func (s *gormStore) CreateReservation(ctx context.Context, r *model.Reservation) error {
	if r.Status == "" {
		r.Status = model.StatusActive
	}
	r.CheckIn = r.CheckIn.UTC()
	r.CheckOut = r.CheckOut.UTC()
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("failed to create reservation %q: %w", r.GuestLabel, err)
	}
	return nil
}

func (s *gormStore) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	var r model.Reservation
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *gormStore) GetReservationByUID(ctx context.Context, uid string) (*model.Reservation, error) {
	var r model.Reservation
	if err := s.db.WithContext(ctx).Where("calendar_uid = ?", uid).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ListActive returns active reservations ordered by check-in.
func (s *gormStore) ListActive(ctx context.Context) ([]model.Reservation, error) {
	var out []model.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ?", model.StatusActive).
		Order("check_in, id").
		Find(&out).Error
	return out, err
}

// ListExpirable returns active reservations whose check-out is at or before cutoff.
func (s *gormStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]model.Reservation, error) {
	var out []model.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND check_out <= ?", model.StatusActive, cutoff.UTC()).
		Order("check_out, id").
		Find(&out).Error
	return out, err
}

func (s *gormStore) ListRecent(ctx context.Context, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.Reservation
	err := s.db.WithContext(ctx).Order("check_in DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *gormStore) ActiveCodes(ctx context.Context) (map[string]struct{}, error) {
	var codes []string
	if err := s.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("status = ?", model.StatusActive).
		Pluck("access_code", &codes).Error; err != nil {
		return nil, fmt.Errorf("failed to load active codes: %w", err)
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set, nil
}

// CodeTaken reports whether another active reservation holds code.
func (s *gormStore) CodeTaken(ctx context.Context, code string, exceptID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("status = ? AND access_code = ? AND id <> ?", model.StatusActive, code, exceptID).
		Count(&n).Error
	return n > 0, err
}

func (s *gormStore) CountByStatus(ctx context.Context) (map[model.ReservationStatus]int64, error) {
	var rows []struct {
		Status model.ReservationStatus
		N      int64
	}
	if err := s.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[model.ReservationStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (s *gormStore) update(ctx context.Context, id int64, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&model.Reservation{ID: id}).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update reservation %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) UpdateStatus(ctx context.Context, id int64, status model.ReservationStatus) error {
	return s.update(ctx, id, map[string]any{"status": status})
}

func (s *gormStore) UpdateLockRef(ctx context.Context, id int64, ref string) error {
	return s.update(ctx, id, map[string]any{"lock_user_ref": ref})
}

func (s *gormStore) UpdateDates(ctx context.Context, id int64, checkIn, checkOut time.Time) error {
	return s.update(ctx, id, map[string]any{"check_in": checkIn.UTC(), "check_out": checkOut.UTC()})
}

func (s *gormStore) UpdateAccessCode(ctx context.Context, id int64, code string) error {
	return s.update(ctx, id, map[string]any{"access_code": code})
}

func (s *gormStore) LogAction(ctx context.Context, reservationID *int64, action model.Action, detail any) error {
	text, err := encodeDetail(detail)
	if err != nil {
		return err
	}
	entry := model.ActionLog{
		ReservationID: reservationID,
		Action:        action,
		Detail:        text,
		Timestamp:     s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to log %s: %w", action, err)
	}
	s.ledger.Apply(entry)
	return nil
}

func encodeDetail(detail any) (string, error) {
	switch d := detail.(type) {
	case nil:
		return "", nil
	case string:
		return d, nil
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("failed to encode action detail: %w", err)
		}
		return string(b), nil
	}
}

func (s *gormStore) Actions(ctx context.Context, reservationID int64) ([]model.ActionLog, error) {
	var out []model.ActionLog
	err := s.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("id").
		Find(&out).Error
	return out, err
}

// SaveSubscription creates or replaces a push subscription keyed by endpoint.
func (s *gormStore) SaveSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "label"}),
	}).Create(sub).Error
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

func (s *gormStore) ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}
