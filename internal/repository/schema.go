package repository

import "fmt"

// Schema definitions for Kestrel database.
// Only the identity column differs between SQLite and PostgreSQL.

const (
	sqliteIDColumn   = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	postgresIDColumn = "id BIGSERIAL PRIMARY KEY"
)

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    %s,
    user_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    name TEXT,
    merchant_name TEXT,
    amount DOUBLE PRECISION,
    iso_currency_code TEXT,
    date TEXT,
    pending INTEGER NOT NULL DEFAULT 0,
    payment_channel TEXT,
    removed INTEGER NOT NULL DEFAULT 0,
    fraud_score DOUBLE PRECISION,
    is_fraud_suspected INTEGER NOT NULL DEFAULT 0,
    risk_level TEXT,
    fraud_review_status TEXT NOT NULL DEFAULT 'pending',
    fraud_reviewed_at TIMESTAMP,
    fraud_reviewed_by TEXT,
    fraud_review_note TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(user_id, account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_review ON transactions(user_id, fraud_review_status, is_fraud_suspected);
`

// AllSchemas returns all schema statements in order for driver.
func AllSchemas(driver string) []string {
	id := sqliteIDColumn
	if driver == "postgres" {
		id = postgresIDColumn
	}
	return []string{
		fmt.Sprintf(schemaTransactions, id),
	}
}
