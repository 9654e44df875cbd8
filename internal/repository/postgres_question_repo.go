package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ltipoll/internal/model"
)

// PostgresQuestionRepo はPostgreSQLを使用した設問リポジトリ。
type PostgresQuestionRepo struct {
	db *sql.DB
}

// NewPostgresQuestionRepo はPostgresQuestionRepoを生成する。
func NewPostgresQuestionRepo(db *sql.DB) *PostgresQuestionRepo {
	return &PostgresQuestionRepo{db: db}
}

// FindByID は指定IDの設問を選択肢付きで取得する。見つからない場合はnilを返す。
func (r *PostgresQuestionRepo) FindByID(ctx context.Context, id string) (*model.Question, error) {
	question := &model.Question{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, text, created_at FROM questions WHERE id = $1`,
		id,
	).Scan(&question.ID, &question.Text, &question.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find question: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, question_id, text, position
		 FROM choices
		 WHERE question_id = $1
		 ORDER BY position, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list choices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.Choice
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.Text, &c.Position); err != nil {
			return nil, fmt.Errorf("failed to scan choice: %w", err)
		}
		question.Choices = append(question.Choices, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate choices: %w", err)
	}

	return question, nil
}

// Create は設問と選択肢を同一トランザクションで作成する。
func (r *PostgresQuestionRepo) Create(ctx context.Context, question *model.Question) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO questions (id, text, created_at) VALUES ($1, $2, $3)`,
		question.ID, question.Text, question.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert question: %w", err)
	}

	for _, c := range question.Choices {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO choices (id, question_id, text, position) VALUES ($1, $2, $3, $4)`,
			c.ID, question.ID, c.Text, c.Position,
		)
		if err != nil {
			return fmt.Errorf("failed to insert choice: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// compile-time interface check
var _ QuestionRepository = (*PostgresQuestionRepo)(nil)
