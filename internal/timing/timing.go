// Package timing records ingestion stage durations and predicts the
// remaining processing time of in-flight documents from recent
// averages.
package timing

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/logger"
)

// sampleWindow bounds how many recent samples per stage feed the
// average.
const sampleWindow = 20

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Tracker persists stage samples in the stage_stats table. A nil
// Tracker records nothing and predicts zero remaining time.
type Tracker struct {
	db querier
}

func New(pool *pgxpool.Pool) *Tracker {
	return &Tracker{db: pool}
}

// RecordStage stores one completed stage duration. Implements the
// ingestion pipeline's stage recorder; failures are logged and
// dropped, timing is advisory.
func (t *Tracker) RecordStage(stage string, duration time.Duration) {
	if t == nil || t.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := t.db.Exec(ctx, insertSampleSQL, stage, duration.Milliseconds()); err != nil {
		logger.Warn("[Timing] Failed to record stage sample", "stage", stage, "error", err)
	}
}

// StageAverages returns the mean duration of the most recent samples
// per stage.
func (t *Tracker) StageAverages(ctx context.Context) (map[string]time.Duration, error) {
	if t == nil || t.db == nil {
		return nil, nil
	}
	rows, err := t.db.Query(ctx, stageAveragesSQL, sampleWindow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Duration)
	for rows.Next() {
		var stage string
		var avgMS int64
		if err := rows.Scan(&stage, &avgMS); err != nil {
			return nil, err
		}
		out[stage] = time.Duration(avgMS) * time.Millisecond
	}
	return out, rows.Err()
}

// PredictRemaining estimates how long a document in the given state
// still needs by summing the recent averages of the current and
// following stages. Stages without samples contribute nothing;
// pending and terminal states predict zero.
func (t *Tracker) PredictRemaining(ctx context.Context, state common.DocumentState) (time.Duration, error) {
	stages := remainingStages(state)
	if len(stages) == 0 {
		return 0, nil
	}
	averages, err := t.StageAverages(ctx)
	if err != nil {
		return 0, err
	}
	return sumStages(averages, stages), nil
}

// remainingStages lists the stage names from state onward, in
// pipeline order. The current stage is included whole; how far into
// it the document is cannot be known.
func remainingStages(state common.DocumentState) []string {
	active := common.ActiveStates()
	for i, s := range active {
		if s != state {
			continue
		}
		out := make([]string, 0, len(active)-i)
		for _, rest := range active[i:] {
			out = append(out, string(rest))
		}
		return out
	}
	return nil
}

func sumStages(averages map[string]time.Duration, stages []string) time.Duration {
	var total time.Duration
	for _, stage := range stages {
		total += averages[stage]
	}
	return total
}

const insertSampleSQL = `
INSERT INTO stage_stats (stage, duration_ms)
VALUES ($1, $2);
`

const stageAveragesSQL = `
SELECT stage, avg(duration_ms)::bigint
FROM (
    SELECT stage, duration_ms,
           row_number() OVER (PARTITION BY stage ORDER BY recorded_at DESC) AS rn
    FROM stage_stats
) recent
WHERE rn <= $1
GROUP BY stage;
`
