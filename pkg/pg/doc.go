// Package pg bootstraps PostgreSQL access with pgx/v5: pool creation with
// retries (Connect), embedded goose migrations (Migrate), a readiness probe
// (Healthcheck), a transaction helper (WithTx) and error classification
// helpers such as IsDuplicateKeyError.
//
// Querier and DB describe the query surface shared by *pgxpool.Pool, pgx.Tx
// and pgxmock pools, so repositories can be unit tested without a database.
package pg
