package database

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/buildforever/farm/pkg/crypto"
)

// Credential is identity material injected into provisioned instances.
// The password, private key and registration token are encrypted at
// rest and never leave the vault in listings.
type Credential struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Username          string    `json:"username"`
	Password          string    `json:"-"`
	SSHPublicKey      string    `json:"sshPublicKey,omitempty"`
	SSHPrivateKey     string    `json:"-"`
	RegistrationToken string    `json:"-"`
	Default           bool      `json:"default"`
	Created           time.Time `json:"created"`
}

type CredentialStore interface {
	Credentials(ctx context.Context) ([]Credential, error)
	Credential(ctx context.Context, id string) (*Credential, error)
	DefaultCredential(ctx context.Context) (*Credential, error)
	WriteCredential(ctx context.Context, credential Credential) error
	SetDefaultCredential(ctx context.Context, id string) error
	DeleteCredential(ctx context.Context, id string) error
}

var _ CredentialStore = &Database{}

const selectCredentialFields = `id, name, username, password, ssh_public_key, ssh_private_key, registration_token, is_default, created`

func (db *Database) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	encrypted, err := crypto.Encrypt([]byte(plaintext), db.encryptionKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(encrypted), nil
}

func (db *Database) decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	decoded, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode hex: %s", err)
	}
	plaintext, err := crypto.Decrypt(decoded, db.encryptionKey)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (db *Database) scanCredential(rows pgx.Rows) (*Credential, error) {
	credential := &Credential{}
	var password, privateKey, token string

	// see selectCredentialFields
	err := rows.Scan(
		&credential.ID,
		&credential.Name,
		&credential.Username,
		&password,
		&credential.SSHPublicKey,
		&privateKey,
		&token,
		&credential.Default,
		&credential.Created,
	)
	if err != nil {
		return nil, err
	}

	if credential.Password, err = db.decrypt(password); err != nil {
		return nil, err
	}
	if credential.SSHPrivateKey, err = db.decrypt(privateKey); err != nil {
		return nil, err
	}
	if credential.RegistrationToken, err = db.decrypt(token); err != nil {
		return nil, err
	}

	return credential, nil
}

func (db *Database) Credentials(ctx context.Context) ([]Credential, error) {
	query := `SELECT ` + selectCredentialFields + ` FROM credential ORDER BY created DESC;`
	rows, err := db.timedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	credentials := make([]Credential, 0)
	defer rows.Close()
	for rows.Next() {
		credential, err := db.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, *credential)
	}

	return credentials, nil
}

func (db *Database) Credential(ctx context.Context, id string) (*Credential, error) {
	query := `SELECT ` + selectCredentialFields + ` FROM credential WHERE id = $1;`
	return db.oneCredential(ctx, query, id)
}

func (db *Database) DefaultCredential(ctx context.Context) (*Credential, error) {
	query := `SELECT ` + selectCredentialFields + ` FROM credential WHERE is_default = TRUE;`
	return db.oneCredential(ctx, query)
}

func (db *Database) oneCredential(ctx context.Context, query string, args ...interface{}) (*Credential, error) {
	rows, err := db.timedQuery(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}

	return db.scanCredential(rows)
}

func (db *Database) WriteCredential(ctx context.Context, credential Credential) error {
	password, err := db.encrypt(credential.Password)
	if err != nil {
		return fmt.Errorf("encrypt password: %s", err)
	}
	privateKey, err := db.encrypt(credential.SSHPrivateKey)
	if err != nil {
		return fmt.Errorf("encrypt private key: %s", err)
	}
	token, err := db.encrypt(credential.RegistrationToken)
	if err != nil {
		return fmt.Errorf("encrypt registration token: %s", err)
	}

	query := `
INSERT INTO credential (id, name, username, password, ssh_public_key, ssh_private_key, registration_token, is_default, created)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    username = EXCLUDED.username,
    password = EXCLUDED.password,
    ssh_public_key = EXCLUDED.ssh_public_key,
    ssh_private_key = EXCLUDED.ssh_private_key,
    registration_token = EXCLUDED.registration_token;
`
	_, err = db.conn.Exec(ctx, query,
		credential.ID,
		credential.Name,
		credential.Username,
		password,
		credential.SSHPublicKey,
		privateKey,
		token,
		credential.Default,
	)
	return err
}

// SetDefaultCredential reassigns the default flag. Clearing the old
// default and setting the new one happen in one transaction so readers
// never observe two defaults.
func (db *Database) SetDefaultCredential(ctx context.Context, id string) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("unable to start transaction: %s", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `UPDATE credential SET is_default = FALSE WHERE is_default = TRUE;`)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE credential SET is_default = TRUE WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

func (db *Database) DeleteCredential(ctx context.Context, id string) error {
	tag, err := db.conn.Exec(ctx, `DELETE FROM credential WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
