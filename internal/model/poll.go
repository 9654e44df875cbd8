// Package model はドメインモデルを定義する。
package model

import "time"

// Question は投票/クイズの設問を表す。
type Question struct {
	ID        string
	Text      string
	Choices   []Choice
	CreatedAt time.Time
}

// Choice は設問の選択肢を表す。
type Choice struct {
	ID         string
	QuestionID string
	Text       string
	Position   int
}

// Response はLTIユーザーの回答を表す。
// (LTIUserID, QuestionID) につき1件のみ存在する。
type Response struct {
	ID         string
	LTIUserID  string
	QuestionID string
	ChoiceID   string
	CreatedAt  time.Time
}

// ChoiceCount は集計結果の1選択肢分を表す。
type ChoiceCount struct {
	ChoiceID string
	Text     string
	Count    int
}
