package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ltipoll/internal/model"
)

// PostgresResponseRepo はPostgreSQLを使用した回答リポジトリ。
type PostgresResponseRepo struct {
	db *sql.DB
}

// NewPostgresResponseRepo はPostgresResponseRepoを生成する。
func NewPostgresResponseRepo(db *sql.DB) *PostgresResponseRepo {
	return &PostgresResponseRepo{db: db}
}

// FindByUserAndQuestion はユーザーと設問で回答を検索する。見つからない場合はnilを返す。
func (r *PostgresResponseRepo) FindByUserAndQuestion(ctx context.Context, ltiUserID, questionID string) (*model.Response, error) {
	response := &model.Response{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, lti_user_id, question_id, choice_id, created_at
		 FROM responses
		 WHERE lti_user_id = $1 AND question_id = $2`,
		ltiUserID, questionID,
	).Scan(&response.ID, &response.LTIUserID, &response.QuestionID, &response.ChoiceID, &response.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find response: %w", err)
	}

	return response, nil
}

// Create は回答を作成する。
// (lti_user_id, question_id)の一意制約違反はそのまま返す
// （呼び出し元がIsUniqueViolationで判定する）。
func (r *PostgresResponseRepo) Create(ctx context.Context, response *model.Response) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO responses (id, lti_user_id, question_id, choice_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		response.ID, response.LTIUserID, response.QuestionID, response.ChoiceID, response.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create response: %w", err)
	}
	return nil
}

// CountByQuestion は設問の選択肢ごとの回答数を返す。回答0件の選択肢も含む。
func (r *PostgresResponseRepo) CountByQuestion(ctx context.Context, questionID string) ([]model.ChoiceCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.text, COUNT(r.id)
		 FROM choices c
		 LEFT JOIN responses r ON r.choice_id = c.id
		 WHERE c.question_id = $1
		 GROUP BY c.id, c.text, c.position
		 ORDER BY c.position, c.id`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count responses: %w", err)
	}
	defer rows.Close()

	var counts []model.ChoiceCount
	for rows.Next() {
		var cc model.ChoiceCount
		if err := rows.Scan(&cc.ChoiceID, &cc.Text, &cc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan choice count: %w", err)
		}
		counts = append(counts, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate choice counts: %w", err)
	}

	return counts, nil
}

// compile-time interface check
var _ ResponseRepository = (*PostgresResponseRepo)(nil)
