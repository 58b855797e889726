package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-guard/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateID 记录ID已存在（防御性检查，ID由uuid生成，正常不应触发）
	ErrDuplicateID = errors.New("emergency record id already exists")
	// ErrNotFound 记录不存在或状态不匹配
	ErrNotFound = errors.New("emergency record not found")
)

// EmergencyJournal 紧急事件持久化日志（对应 emergency_records / channel_results 表）
// 持久化契约：Append/UpdateChannelResult 成功返回后，写入在进程崩溃重启后仍然可见，
// 这是崩溃后 at-least-once 投递的基础。
type EmergencyJournal struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEmergencyJournal 创建紧急事件日志
func NewEmergencyJournal(db *sql.DB, logger *zap.Logger) *EmergencyJournal {
	return &EmergencyJournal{
		db:     db,
		logger: logger,
	}
}

// Append 追加一条紧急事件记录（含各通道的初始 pending 状态）
func (j *EmergencyJournal) Append(ctx context.Context, record *models.EmergencyRecord) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}

	contextJSON, err := json.Marshal(record.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal emergency context: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO emergency_records (
			id,
			status,
			declared_at,
			context,
			schema_version,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
		)
	`

	_, err = tx.ExecContext(ctx, query,
		record.ID,
		record.Status,
		record.DeclaredAt,
		contextJSON,
		record.SchemaVersion,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert emergency record: %w", err)
	}

	channelQuery := `
		INSERT INTO channel_results (
			emergency_id,
			channel_id,
			state,
			attempts,
			last_error,
			next_retry_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP
		)
	`

	for channelID, result := range record.ChannelResults {
		_, err = tx.ExecContext(ctx, channelQuery,
			record.ID,
			channelID,
			result.State,
			result.Attempts,
			result.LastError,
			result.NextRetryAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert channel result for %s: %w", channelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit emergency record: %w", err)
	}

	return nil
}

// UpdateChannelResult 更新单通道投递结果（幂等：attempts 只增不减，重放同一结果不重复计数）
// 单元键为 (emergency_id, channel_id)，保持 latest-wins。
func (j *EmergencyJournal) UpdateChannelResult(ctx context.Context, recordID, channelID string, result models.ChannelResult) error {
	if recordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if channelID == "" {
		return fmt.Errorf("channel_id is required")
	}

	query := `
		UPDATE channel_results
		SET state = $3,
		    attempts = $4,
		    last_error = $5,
		    next_retry_at = $6,
		    updated_at = CURRENT_TIMESTAMP
		WHERE emergency_id = $1
		  AND channel_id = $2
		  AND attempts <= $4
	`

	res, err := j.db.ExecContext(ctx, query,
		recordID,
		channelID,
		result.State,
		result.Attempts,
		result.LastError,
		result.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update channel result: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// 区分：过期重放（已有更新的 attempts，幂等忽略）还是记录不存在
		var existing int
		err = j.db.QueryRowContext(ctx,
			`SELECT attempts FROM channel_results WHERE emergency_id = $1 AND channel_id = $2`,
			recordID, channelID,
		).Scan(&existing)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: record_id=%s, channel_id=%s", ErrNotFound, recordID, channelID)
			}
			return fmt.Errorf("failed to check channel result: %w", err)
		}
		j.logger.Debug("Stale channel result update ignored",
			zap.String("record_id", recordID),
			zap.String("channel_id", channelID),
			zap.Int("existing_attempts", existing),
			zap.Int("update_attempts", result.Attempts),
		)
		return nil
	}

	return nil
}

// GetPending 返回所有到期待重试的 (record, channel) 条目
// 只含 active 记录（已取消的事件不再发起新的投递尝试），按 next_retry_at 升序。
func (j *EmergencyJournal) GetPending(ctx context.Context, now time.Time) ([]models.PendingEntry, error) {
	query := `
		SELECT
			cr.emergency_id,
			cr.channel_id,
			cr.state,
			cr.attempts,
			cr.last_error,
			cr.next_retry_at
		FROM channel_results cr
		JOIN emergency_records er ON cr.emergency_id = er.id
		WHERE er.status = 'active'
		  AND cr.state = 'failed'
		  AND cr.next_retry_at IS NOT NULL
		  AND cr.next_retry_at <= $1
		ORDER BY cr.next_retry_at ASC
	`

	rows, err := j.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending channel results: %w", err)
	}
	defer rows.Close()

	entries := []models.PendingEntry{}
	for rows.Next() {
		var entry models.PendingEntry
		var lastError sql.NullString
		var nextRetryAt sql.NullTime

		err := rows.Scan(
			&entry.RecordID,
			&entry.ChannelID,
			&entry.Result.State,
			&entry.Result.Attempts,
			&lastError,
			&nextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending entry: %w", err)
		}

		if lastError.Valid {
			entry.Result.LastError = &lastError.String
		}
		if nextRetryAt.Valid {
			entry.Result.NextRetryAt = &nextRetryAt.Time
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending entries: %w", err)
	}

	return entries, nil
}

// GetRecord 根据ID获取完整记录（含所有通道结果）
func (j *EmergencyJournal) GetRecord(ctx context.Context, recordID string) (*models.EmergencyRecord, error) {
	if recordID == "" {
		return nil, fmt.Errorf("record_id is required")
	}

	query := `
		SELECT
			id,
			status,
			declared_at,
			context,
			schema_version,
			created_at,
			updated_at
		FROM emergency_records
		WHERE id = $1
	`

	var record models.EmergencyRecord
	var contextJSON []byte

	err := j.db.QueryRowContext(ctx, query, recordID).Scan(
		&record.ID,
		&record.Status,
		&record.DeclaredAt,
		&contextJSON,
		&record.SchemaVersion,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: record_id=%s", ErrNotFound, recordID)
		}
		return nil, fmt.Errorf("failed to get emergency record: %w", err)
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &record.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal emergency context: %w", err)
		}
	}

	results, err := j.loadChannelResults(ctx, recordID)
	if err != nil {
		return nil, err
	}
	record.ChannelResults = results

	return &record, nil
}

// GetActive 获取当前 active 的记录（单事件策略下最多一条），不存在时返回 nil
func (j *EmergencyJournal) GetActive(ctx context.Context) (*models.EmergencyRecord, error) {
	query := `
		SELECT id
		FROM emergency_records
		WHERE status = 'active'
		ORDER BY declared_at DESC
		LIMIT 1
	`

	var recordID string
	err := j.db.QueryRowContext(ctx, query).Scan(&recordID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active emergency: %w", err)
	}

	return j.GetRecord(ctx, recordID)
}

// MarkResolved 标记记录为 resolved（所有通道至少尝试过一次）
func (j *EmergencyJournal) MarkResolved(ctx context.Context, recordID string) error {
	return j.transition(ctx, recordID, models.EmergencyActive, models.EmergencyResolved)
}

// MarkCancelled 标记记录为 cancelled（仅由 coordinator.Cancel 调用）
func (j *EmergencyJournal) MarkCancelled(ctx context.Context, recordID string) error {
	return j.transition(ctx, recordID, models.EmergencyActive, models.EmergencyCancelled)
}

// transition 状态迁移（带前置状态校验）
func (j *EmergencyJournal) transition(ctx context.Context, recordID string, from, to models.EmergencyStatus) error {
	if recordID == "" {
		return fmt.Errorf("record_id is required")
	}

	query := `
		UPDATE emergency_records
		SET status = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND status = $2
	`

	res, err := j.db.ExecContext(ctx, query, recordID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update emergency status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: record_id=%s, expected status=%s", ErrNotFound, recordID, from)
	}

	return nil
}

// GarbageCollect 删除保留期之外的记录（不触碰 active 记录），返回删除条数
// 热路径之外唯一的物理删除入口。
func (j *EmergencyJournal) GarbageCollect(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM channel_results
		WHERE emergency_id IN (
			SELECT id FROM emergency_records
			WHERE declared_at < $1 AND status <> 'active'
		)
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired channel results: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM emergency_records
		WHERE declared_at < $1 AND status <> 'active'
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired emergency records: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit garbage collection: %w", err)
	}

	return removed, nil
}

// loadChannelResults 加载记录的所有通道结果
func (j *EmergencyJournal) loadChannelResults(ctx context.Context, recordID string) (map[string]*models.ChannelResult, error) {
	query := `
		SELECT
			channel_id,
			state,
			attempts,
			last_error,
			next_retry_at
		FROM channel_results
		WHERE emergency_id = $1
	`

	rows, err := j.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel results: %w", err)
	}
	defer rows.Close()

	results := map[string]*models.ChannelResult{}
	for rows.Next() {
		var channelID string
		var result models.ChannelResult
		var lastError sql.NullString
		var nextRetryAt sql.NullTime

		err := rows.Scan(
			&channelID,
			&result.State,
			&result.Attempts,
			&lastError,
			&nextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel result: %w", err)
		}

		if lastError.Valid {
			result.LastError = &lastError.String
		}
		if nextRetryAt.Valid {
			result.NextRetryAt = &nextRetryAt.Time
		}

		results[channelID] = &result
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel results: %w", err)
	}

	return results, nil
}
