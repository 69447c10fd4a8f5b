package database

import (
	"context"
	"encoding/json"
	"time"
)

// SavedConfig is a named deployment request kept for reuse.
type SavedConfig struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Request json.RawMessage `json:"request"`
	Created time.Time       `json:"created"`
}

type SavedConfigStore interface {
	SavedConfigs(ctx context.Context) ([]SavedConfig, error)
	SavedConfig(ctx context.Context, id string) (*SavedConfig, error)
	WriteSavedConfig(ctx context.Context, config SavedConfig) error
	DeleteSavedConfig(ctx context.Context, id string) error
}

var _ SavedConfigStore = &Database{}

func (db *Database) SavedConfigs(ctx context.Context) ([]SavedConfig, error) {
	query := `SELECT id, name, request, created FROM saved_config ORDER BY created DESC;`
	rows, err := db.timedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	configs := make([]SavedConfig, 0)
	defer rows.Close()
	for rows.Next() {
		var config SavedConfig
		err := rows.Scan(&config.ID, &config.Name, &config.Request, &config.Created)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}

	return configs, nil
}

func (db *Database) SavedConfig(ctx context.Context, id string) (*SavedConfig, error) {
	query := `SELECT id, name, request, created FROM saved_config WHERE id = $1;`
	rows, err := db.timedQuery(ctx, query, id)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}

	config := &SavedConfig{}
	err = rows.Scan(&config.ID, &config.Name, &config.Request, &config.Created)
	return config, err
}

func (db *Database) WriteSavedConfig(ctx context.Context, config SavedConfig) error {
	query := `
INSERT INTO saved_config (id, name, request, created)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    request = EXCLUDED.request;
`
	_, err := db.conn.Exec(ctx, query, config.ID, config.Name, config.Request)
	return err
}

func (db *Database) DeleteSavedConfig(ctx context.Context, id string) error {
	tag, err := db.conn.Exec(ctx, `DELETE FROM saved_config WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
