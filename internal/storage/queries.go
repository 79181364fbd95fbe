package storage

const jobColumns = `
    id, tenant_id, channel_id, text, send_at, status, retry_count,
    sent_at, provider_message_id, permalink, claimed_at, created_at, updated_at`

const queryInsertJob = `
INSERT INTO scheduled_messages (id, tenant_id, channel_id, text, send_at, status, retry_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
`

// Claims the oldest due job. SKIP LOCKED lets concurrent claimers pass over a
// row another transaction is already moving to sending.
const queryClaimDue = `
UPDATE scheduled_messages
SET status = 'sending', claimed_at = $1, updated_at = $1
WHERE id = (
    SELECT id FROM scheduled_messages
    WHERE status IN ('scheduled', 'retry')
      AND send_at <= $1
    ORDER BY send_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING` + jobColumns

const queryMarkSent = `
UPDATE scheduled_messages
SET status = 'sent', sent_at = $2, provider_message_id = $3, permalink = $4, updated_at = $5
WHERE id = $1
  AND status = 'sending'
`

const queryMarkRetry = `
UPDATE scheduled_messages
SET status = 'retry', retry_count = $2, send_at = $3, claimed_at = NULL, updated_at = $4
WHERE id = $1
  AND status = 'sending'
`

const queryCancelJob = `
UPDATE scheduled_messages
SET status = 'cancelled', updated_at = $3
WHERE id = $1
  AND tenant_id = $2
  AND status IN ('scheduled', 'retry')
RETURNING` + jobColumns

const queryGetJob = `
SELECT` + jobColumns + `
FROM scheduled_messages
WHERE id = $1 AND tenant_id = $2
`

const queryListJobs = `
SELECT` + jobColumns + `
FROM scheduled_messages
WHERE tenant_id = $1
  AND status = ANY($2)
ORDER BY send_at, id
LIMIT $3
`

const queryListStuckSending = `
SELECT` + jobColumns + `
FROM scheduled_messages
WHERE status = 'sending'
  AND claimed_at < $1
ORDER BY claimed_at
LIMIT $2
`

const queryFindCredential = `
SELECT tenant_id, access_token, refresh_token, token_type, scopes, expires_at, created_at, updated_at
FROM credentials
WHERE tenant_id = $1
`

const queryUpsertCredential = `
INSERT INTO credentials (tenant_id, access_token, refresh_token, token_type, scopes, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    token_type = EXCLUDED.token_type,
    scopes = EXCLUDED.scopes,
    expires_at = EXCLUDED.expires_at,
    updated_at = EXCLUDED.updated_at
`

const queryTryAdvisoryLock = `SELECT pg_try_advisory_lock($1)`

const queryAdvisoryUnlock = `SELECT pg_advisory_unlock($1)`
