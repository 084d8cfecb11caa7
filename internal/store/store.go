package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/gradeflow/internal/model"

	_ "modernc.org/sqlite"
)

// The artifact store lives only as long as the process.
const memoryDSN = ":memory:"

var (
	// ErrSessionNotFound is returned when the session id is not the current one.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStageConflict is returned when a write targets a session that is no
	// longer in the stage the write belongs to.
	ErrStageConflict = errors.New("session stage changed")
)

// Store holds the artifacts of the current exam session.
type Store struct {
	db *sql.DB
}

func New() (*Store, error) {
	db, err := sql.Open("sqlite", memoryDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT 'upload',
		filename TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		session_id TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		question TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		PRIMARY KEY (session_id, question_index),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		session_id TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, question_index),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY,
		final_score REAL NOT NULL,
		total_questions INTEGER NOT NULL,
		correct_answers INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS question_grades (
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_index INTEGER NOT NULL,
		question TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		student_answer TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		score REAL NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, position),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession discards every stored artifact and starts sess as the only
// session.
func (s *Store) CreateSession(sess model.ExamSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"question_grades", "reports", "answers", "questions", "sessions"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	_, err = tx.Exec(
		`INSERT INTO sessions (id, exam_id, stage, filename, started_at) VALUES (?, '', ?, '', ?)`,
		sess.ID, model.StageUpload, sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit()
}

// advance moves the session from one stage to the next inside tx.
func advance(tx *sql.Tx, sessionID string, from model.Stage) error {
	res, err := tx.Exec(`UPDATE sessions SET stage = ? WHERE id = ? AND stage = ?`, from.Next(), sessionID, from)
	if err != nil {
		return err
	}
	return checkAffected(tx, res, sessionID)
}

func checkAffected(tx *sql.Tx, res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return ErrStageConflict
}

// RecordUpload stores the backend-assigned exam id and moves the session to
// the parse stage.
func (s *Store) RecordUpload(sessionID, examID, filename string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE sessions SET exam_id = ?, filename = ?, stage = ? WHERE id = ? AND stage = ?`,
		examID, filename, model.StageParse, sessionID, model.StageUpload,
	)
	if err != nil {
		return err
	}
	if err := checkAffected(tx, res, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordQuestions stores parsed questions with one empty answer each and
// moves the session to the answer stage.
func (s *Store) RecordQuestions(sessionID string, questions []model.Question) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := advance(tx, sessionID, model.StageParse); err != nil {
		return err
	}
	for _, q := range questions {
		_, err := tx.Exec(
			`INSERT INTO questions (session_id, question_index, question, correct_answer) VALUES (?, ?, ?, ?)`,
			sessionID, q.Index, q.Question, q.CorrectAnswer,
		)
		if err != nil {
			return fmt.Errorf("insert question %d: %w", q.Index, err)
		}
	}
	for _, a := range model.EmptyAnswers(questions) {
		_, err := tx.Exec(
			`INSERT INTO answers (session_id, question_index, answer) VALUES (?, ?, ?)`,
			sessionID, a.QuestionIndex, a.Answer,
		)
		if err != nil {
			return fmt.Errorf("insert answer %d: %w", a.QuestionIndex, err)
		}
	}
	return tx.Commit()
}

func saveAnswers(tx *sql.Tx, sessionID string, answers []model.Answer) error {
	for _, a := range answers {
		res, err := tx.Exec(
			`UPDATE answers SET answer = ? WHERE session_id = ? AND question_index = ?`,
			a.Answer, sessionID, a.QuestionIndex,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("question index %d: %w", a.QuestionIndex, sql.ErrNoRows)
		}
	}
	return nil
}

func requireStage(tx *sql.Tx, sessionID string, want model.Stage) error {
	var stage model.Stage
	err := tx.QueryRow(`SELECT stage FROM sessions WHERE id = ?`, sessionID).Scan(&stage)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if stage != want {
		return ErrStageConflict
	}
	return nil
}

// SaveAnswers overwrites the draft answers of a session in the answer stage.
func (s *Store) SaveAnswers(sessionID string, answers []model.Answer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := requireStage(tx, sessionID, model.StageAnswer); err != nil {
		return err
	}
	if err := saveAnswers(tx, sessionID, answers); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordReport stores the submitted answers and the accepted report, and
// moves the session to the results stage in one transaction.
func (s *Store) RecordReport(sessionID string, answers []model.Answer, report model.GradingReport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := advance(tx, sessionID, model.StageAnswer); err != nil {
		return err
	}
	if err := saveAnswers(tx, sessionID, answers); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO reports (session_id, final_score, total_questions, correct_answers) VALUES (?, ?, ?, ?)`,
		sessionID, report.FinalScore, report.TotalQuestions, report.CorrectAnswers,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	for i, g := range report.QuestionGrades {
		_, err := tx.Exec(
			`INSERT INTO question_grades (session_id, position, question_index, question, correct_answer,
			 student_answer, is_correct, score, explanation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, i, g.QuestionIndex, g.Question, g.CorrectAnswer, g.StudentAnswer, g.IsCorrect, g.Score, g.Explanation,
		)
		if err != nil {
			return fmt.Errorf("insert grade %d: %w", g.QuestionIndex, err)
		}
	}
	return tx.Commit()
}

// Session loads the full session with all of its artifacts.
func (s *Store) Session(sessionID string) (model.ExamSession, error) {
	var sess model.ExamSession
	err := s.db.QueryRow(
		`SELECT id, exam_id, stage, filename, started_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.ExamID, &sess.Stage, &sess.Filename, &sess.StartedAt)
	if err == sql.ErrNoRows {
		return sess, ErrSessionNotFound
	}
	if err != nil {
		return sess, err
	}

	if sess.Questions, err = s.questions(sessionID); err != nil {
		return sess, err
	}
	if sess.Answers, err = s.answers(sessionID); err != nil {
		return sess, err
	}
	if sess.Report, err = s.report(sessionID); err != nil {
		return sess, err
	}
	return sess, nil
}

func (s *Store) questions(sessionID string) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT question_index, question, correct_answer FROM questions WHERE session_id = ? ORDER BY question_index`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	questions := []model.Question{}
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.Index, &q.Question, &q.CorrectAnswer); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *Store) answers(sessionID string) ([]model.Answer, error) {
	rows, err := s.db.Query(
		`SELECT question_index, answer FROM answers WHERE session_id = ? ORDER BY question_index`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	answers := []model.Answer{}
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.QuestionIndex, &a.Answer); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *Store) report(sessionID string) (*model.GradingReport, error) {
	var r model.GradingReport
	err := s.db.QueryRow(
		`SELECT final_score, total_questions, correct_answers FROM reports WHERE session_id = ?`, sessionID,
	).Scan(&r.FinalScore, &r.TotalQuestions, &r.CorrectAnswers)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT question_index, question, correct_answer, student_answer, is_correct, score, explanation
		 FROM question_grades WHERE session_id = ? ORDER BY position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var g model.QuestionGrade
		if err := rows.Scan(&g.QuestionIndex, &g.Question, &g.CorrectAnswer, &g.StudentAnswer,
			&g.IsCorrect, &g.Score, &g.Explanation); err != nil {
			return nil, err
		}
		r.QuestionGrades = append(r.QuestionGrades, g)
	}
	return &r, rows.Err()
}
