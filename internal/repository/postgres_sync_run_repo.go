package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/licitaciones/internal/model"
)

// PostgresSyncRunRepo はPostgreSQLを使用した同期実行記録リポジトリ。
type PostgresSyncRunRepo struct {
	db *sql.DB
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db *sql.DB) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

// Record は同期1回分の実行記録を保存する。
func (r *PostgresSyncRunRepo) Record(ctx context.Context, run *model.SyncRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, started_at, finished_at, total_parsed, newly_inserted, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.StartedAt, run.FinishedAt, run.TotalParsed, run.NewlyInserted, run.Error,
	)
	if err != nil {
		return fmt.Errorf("同期記録の保存に失敗しました: %w", err)
	}
	return nil
}

// Latest は成功した最新の実行記録を返す。該当する記録が無い場合はnilを返す。
// 失敗した同期は「前回同期以降の新着」の基準にしない。
func (r *PostgresSyncRunRepo) Latest(ctx context.Context) (*model.SyncRun, error) {
	run := &model.SyncRun{}
	err := r.db.QueryRowContext(ctx, latestSuccessfulQuery).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.TotalParsed, &run.NewlyInserted, &run.Error)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新の同期記録の取得に失敗しました: %w", err)
	}
	return run, nil
}

const latestSuccessfulQuery = `SELECT id, started_at, finished_at, total_parsed, newly_inserted, error
	 FROM sync_runs
	 WHERE error = ''
	 ORDER BY started_at DESC
	 LIMIT 1`

// DeleteOlderThan はcutoffより前に開始した実行記録を削除する。
func (r *PostgresSyncRunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("古い同期記録の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
