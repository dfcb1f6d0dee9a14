package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-sync/internal/models"
)

// PostgresStore persists orders as a row per order with the structured
// parts (addresses, supplements, ride option) in jsonb columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveOrder(o *models.Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(
		`INSERT INTO orders(id, client_id, driver_id, status, total_price, body, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.ClientID, o.AssignedDriverID, string(o.Status), o.TotalPrice, body, o.CreatedAt, time.Now())
	return err
}

func (p *PostgresStore) UpdateOrder(o *models.Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(
		`UPDATE orders SET driver_id=$1, status=$2, body=$3, updated_at=$4 WHERE id=$5`,
		o.AssignedDriverID, string(o.Status), body, time.Now(), o.ID)
	return err
}

func (p *PostgresStore) GetOrder(id string) (*models.Order, error) {
	var body []byte
	err := p.db.QueryRow(`SELECT body FROM orders WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var o models.Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) ActiveByClient(clientID string) (*models.Order, bool, error) {
	return p.activeBy(`client_id=$1`, clientID)
}

func (p *PostgresStore) ActiveByDriver(driverID string) (*models.Order, bool, error) {
	return p.activeBy(`driver_id=$1`, driverID)
}

func (p *PostgresStore) Pending() ([]*models.Order, error) {
	rows, err := p.db.Query(`SELECT body FROM orders WHERE status='pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Order{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var o models.Order
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) activeBy(cond, arg string) (*models.Order, bool, error) {
	var body []byte
	err := p.db.QueryRow(
		`SELECT body FROM orders WHERE `+cond+
			` AND status NOT IN ('declined','expired','cancelled','payment_confirmed')
			 ORDER BY created_at DESC LIMIT 1`, arg).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var o models.Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, false, err
	}
	return &o, true, nil
}
