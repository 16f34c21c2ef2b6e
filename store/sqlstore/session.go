package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/engine"
)

// Tables lists every table in dependency order (parents first).
var Tables = []string{
	"users",
	"branches",
	"assignments",
	"attendance",
	"monthly_targets",
	"revenue",
	"commissions",
}

// RunTx runs fn inside a transaction on db.
// If fn returns error, transaction is rolled back.
// If fn returns nil, transaction is committed.
func RunTx(ctx context.Context, db *sql.DB, d Dialect, opts *sql.TxOptions, fn func(engine.Session) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Session{tx: tx, d: d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset deletes every row of every table.
func Reset(ctx context.Context, db *sql.DB, d Dialect, opts *sql.TxOptions) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+Tables[i]); err != nil {
			return fmt.Errorf("failed to clear %s: %w", Tables[i], err)
		}
	}
	return tx.Commit()
}

// Session is an engine.Session bound to one *sql.Tx.
type Session struct {
	tx *sql.Tx
	d  Dialect
}

var (
	_ engine.Session     = (*Session)(nil)
	_ engine.Savepointer = (*Session)(nil)
)

func (s *Session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, s.d.Rebind(query), args...)
}

func (s *Session) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, s.d.Rebind(query), args...)
}

func (s *Session) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(ctx, s.d.Rebind(query), args...)
}

// =============================================================================
// SAVEPOINTS
// =============================================================================

func (s *Session) Savepoint(ctx context.Context, name string) error {
	_, err := s.exec(ctx, "SAVEPOINT "+name)
	return err
}

func (s *Session) RollbackTo(ctx context.Context, name string) error {
	_, err := s.exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (s *Session) Release(ctx context.Context, name string) error {
	_, err := s.exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// =============================================================================
// USERS
// =============================================================================

func (s *Session) SaveUser(ctx context.Context, u engine.User) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.ID, u.Name, u.Role)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Session) GetUser(ctx context.Context, id engine.UserID) (*engine.User, error) {
	var u engine.User
	err := s.queryRow(ctx, `SELECT id, name, role FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Session) ListUsers(ctx context.Context) ([]engine.User, error) {
	rows, err := s.query(ctx, `SELECT id, name, role FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []engine.User
	for rows.Next() {
		var u engine.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// BRANCHES
// =============================================================================

const branchColumns = `id, name, target_min, target_max, default_min_percentage, default_max_percentage`

func (s *Session) SaveBranch(ctx context.Context, b engine.Branch) error {
	_, err := s.exec(ctx, `
		INSERT INTO branches (`+branchColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			target_min = excluded.target_min,
			target_max = excluded.target_max,
			default_min_percentage = excluded.default_min_percentage,
			default_max_percentage = excluded.default_max_percentage`,
		b.ID, b.Name, b.TargetMin, b.TargetMax,
		nullDecimal(b.DefaultMinPercentage), nullDecimal(b.DefaultMaxPercentage))
	if err != nil {
		return fmt.Errorf("failed to save branch: %w", err)
	}
	return nil
}

func (s *Session) GetBranch(ctx context.Context, id engine.BranchID) (*engine.Branch, error) {
	b, err := scanBranch(s.queryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return b, nil
}

func (s *Session) ListBranches(ctx context.Context) ([]engine.Branch, error) {
	rows, err := s.query(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []engine.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, *b)
	}
	return branches, rows.Err()
}

func (s *Session) LockBranch(ctx context.Context, id engine.BranchID) error {
	var locked string
	err := s.queryRow(ctx, `SELECT id FROM branches WHERE id = ?`+s.d.ForUpdate, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", engine.ErrBranchNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock branch: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*engine.Branch, error) {
	var (
		b              engine.Branch
		minPct, maxPct decimal.NullDecimal
	)
	if err := row.Scan(&b.ID, &b.Name, &b.TargetMin, &b.TargetMax, &minPct, &maxPct); err != nil {
		return nil, err
	}
	b.DefaultMinPercentage = decimalPtr(minPct)
	b.DefaultMaxPercentage = decimalPtr(maxPct)
	return &b, nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

const assignmentColumns = `id, user_id, branch_id, start_date, end_date, share`

func (s *Session) InsertAssignment(ctx context.Context, a engine.Assignment) error {
	_, err := s.exec(ctx, `
		INSERT INTO assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.BranchID, a.Start, nullDate(a.End), a.Share)
	if s.d.isUnique(err) {
		return engine.ErrDuplicateAssignment
	}
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

func (s *Session) DeleteAssignment(ctx context.Context, id engine.AssignmentID) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM assignments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Session) ListAssignmentsByUser(ctx context.Context, userID engine.UserID) ([]engine.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE user_id = ?
		ORDER BY start_date, id`, userID)
}

func (s *Session) BranchCandidates(ctx context.Context, branchID engine.BranchID, date engine.Date) ([]engine.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT a.id, a.user_id, a.branch_id, a.start_date, a.end_date, a.share
		FROM assignments a
		JOIN users u ON u.id = a.user_id
		WHERE u.role = ?
		  AND a.start_date <= ?
		  AND a.user_id IN (
			SELECT user_id FROM assignments WHERE branch_id = ? AND start_date <= ?
		  )
		ORDER BY a.start_date, a.id`,
		engine.RoleSales, date, branchID, date)
}

func (s *Session) queryAssignments(ctx context.Context, query string, args ...any) ([]engine.Assignment, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []engine.Assignment
	for rows.Next() {
		var (
			a   engine.Assignment
			end engine.Date
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.BranchID, &a.Start, &end, &a.Share); err != nil {
			return nil, err
		}
		if !end.IsZero() {
			a.End = &end
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func (s *Session) SaveAttendance(ctx context.Context, a engine.Attendance) error {
	_, err := s.exec(ctx, `
		INSERT INTO attendance (user_id, branch_id, date, multiplier) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, branch_id, date) DO UPDATE SET multiplier = excluded.multiplier`,
		a.UserID, a.BranchID, a.Date, a.Multiplier)
	if err != nil {
		return fmt.Errorf("failed to save attendance: %w", err)
	}
	return nil
}

func (s *Session) AttendanceOn(ctx context.Context, branchID engine.BranchID, date engine.Date) (map[engine.UserID]engine.Attendance, error) {
	rows, err := s.query(ctx, `
		SELECT user_id, multiplier FROM attendance
		WHERE branch_id = ? AND date = ?`, branchID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance: %w", err)
	}
	defer rows.Close()

	out := make(map[engine.UserID]engine.Attendance)
	for rows.Next() {
		a := engine.Attendance{BranchID: branchID, Date: date}
		if err := rows.Scan(&a.UserID, &a.Multiplier); err != nil {
			return nil, err
		}
		out[a.UserID] = a
	}
	return out, rows.Err()
}

// =============================================================================
// MONTHLY TARGETS
// =============================================================================

func (s *Session) SaveTarget(ctx context.Context, t engine.MonthlyTarget) error {
	_, err := s.exec(ctx, `
		INSERT INTO monthly_targets
		(branch_id, year, month, min_revenue, max_revenue, min_percentage, max_percentage)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (branch_id, year, month) DO UPDATE SET
			min_revenue = excluded.min_revenue,
			max_revenue = excluded.max_revenue,
			min_percentage = excluded.min_percentage,
			max_percentage = excluded.max_percentage`,
		t.BranchID, t.Year, t.Month, t.MinRevenue, t.MaxRevenue,
		nullDecimal(t.MinPercentage), nullDecimal(t.MaxPercentage))
	if err != nil {
		return fmt.Errorf("failed to save monthly target: %w", err)
	}
	return nil
}

func (s *Session) GetTarget(ctx context.Context, branchID engine.BranchID, year, month int) (*engine.MonthlyTarget, error) {
	t := engine.MonthlyTarget{BranchID: branchID, Year: year, Month: month}
	var minPct, maxPct decimal.NullDecimal
	err := s.queryRow(ctx, `
		SELECT min_revenue, max_revenue, min_percentage, max_percentage
		FROM monthly_targets
		WHERE branch_id = ? AND year = ? AND month = ?`, branchID, year, month).
		Scan(&t.MinRevenue, &t.MaxRevenue, &minPct, &maxPct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly target: %w", err)
	}
	t.MinPercentage = decimalPtr(minPct)
	t.MaxPercentage = decimalPtr(maxPct)
	return &t, nil
}

// =============================================================================
// REVENUE
// =============================================================================

func (s *Session) SaveRevenue(ctx context.Context, r engine.Revenue) error {
	_, err := s.exec(ctx, `
		INSERT INTO revenue (branch_id, date, cash, receivables, snapshot_min, snapshot_max)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (branch_id, date) DO UPDATE SET
			cash = excluded.cash,
			receivables = excluded.receivables,
			snapshot_min = excluded.snapshot_min,
			snapshot_max = excluded.snapshot_max`,
		r.BranchID, r.Date, r.Cash, r.Receivables, r.SnapshotMin, r.SnapshotMax)
	if err != nil {
		return fmt.Errorf("failed to save revenue: %w", err)
	}
	return nil
}

func (s *Session) GetRevenue(ctx context.Context, branchID engine.BranchID, date engine.Date) (*engine.Revenue, error) {
	r := engine.Revenue{BranchID: branchID, Date: date}
	err := s.queryRow(ctx, `
		SELECT cash, receivables, snapshot_min, snapshot_max
		FROM revenue WHERE branch_id = ? AND date = ?`, branchID, date).
		Scan(&r.Cash, &r.Receivables, &r.SnapshotMin, &r.SnapshotMax)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revenue: %w", err)
	}
	return &r, nil
}

func (s *Session) LockRevenueDates(ctx context.Context, branchID engine.BranchID, from, to engine.Date) ([]engine.Date, error) {
	rows, err := s.query(ctx, `
		SELECT date FROM revenue
		WHERE branch_id = ? AND date >= ? AND date <= ?
		ORDER BY date`+s.d.ForUpdate, branchID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to lock revenue: %w", err)
	}
	defer rows.Close()

	var dates []engine.Date
	for rows.Next() {
		var d engine.Date
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

func (s *Session) LockAllRevenue(ctx context.Context) ([]engine.BranchDate, error) {
	return s.queryBranchDates(ctx, `
		SELECT branch_id, date FROM revenue
		ORDER BY branch_id, date`+s.d.ForUpdate)
}

func (s *Session) RevenueDates(ctx context.Context, branchIDs []engine.BranchID, from engine.Date) ([]engine.BranchDate, error) {
	if len(branchIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(branchIDs)+1)
	for _, id := range branchIDs {
		args = append(args, id)
	}
	args = append(args, from)
	return s.queryBranchDates(ctx, `
		SELECT branch_id, date FROM revenue
		WHERE branch_id IN (`+placeholders(len(branchIDs))+`) AND date >= ?
		ORDER BY branch_id, date`, args...)
}

func (s *Session) queryBranchDates(ctx context.Context, query string, args ...any) ([]engine.BranchDate, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue dates: %w", err)
	}
	defer rows.Close()

	var keys []engine.BranchDate
	for rows.Next() {
		var k engine.BranchDate
		if err := rows.Scan(&k.BranchID, &k.Date); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `user_id, branch_id, date, amount, percentage, nominal_share,
	applied_share, attendance, redistributed, inputs`

func (s *Session) UpsertCommission(ctx context.Context, c engine.Commission) error {
	_, err := s.exec(ctx, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, branch_id, date) DO UPDATE SET
			amount = excluded.amount,
			percentage = excluded.percentage,
			nominal_share = excluded.nominal_share,
			applied_share = excluded.applied_share,
			attendance = excluded.attendance,
			redistributed = excluded.redistributed,
			inputs = excluded.inputs`,
		c.UserID, c.BranchID, c.Date, c.Amount, c.Percentage, c.NominalShare,
		c.AppliedShare, c.Attendance, c.Redistributed, c.Inputs)
	if err != nil {
		return fmt.Errorf("failed to upsert commission: %w", err)
	}
	return nil
}

func (s *Session) DeleteCommissions(ctx context.Context, branchID engine.BranchID, from, to engine.Date) (int64, error) {
	res, err := s.exec(ctx, `
		DELETE FROM commissions WHERE branch_id = ? AND date >= ? AND date <= ?`,
		branchID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to delete commissions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Session) DeleteAllCommissions(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM commissions`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete commissions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Session) ListCommissions(ctx context.Context, f engine.CommissionFilter) ([]engine.Commission, error) {
	var (
		where []string
		args  []any
	)
	if f.Scope.Kind() != engine.ScopeAllBranches {
		branches := f.Scope.Branches()
		if len(branches) == 0 {
			return nil, nil
		}
		where = append(where, "branch_id IN ("+placeholders(len(branches))+")")
		for _, id := range branches {
			args = append(args, id)
		}
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Period.Valid() {
		where = append(where, "date >= ? AND date <= ?")
		args = append(args, f.Period.Start, f.Period.End)
	}

	query := `SELECT ` + commissionColumns + ` FROM commissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date, branch_id, user_id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	defer rows.Close()

	var out []engine.Commission
	for rows.Next() {
		var c engine.Commission
		if err := rows.Scan(&c.UserID, &c.BranchID, &c.Date, &c.Amount, &c.Percentage,
			&c.NominalShare, &c.AppliedShare, &c.Attendance, &c.Redistributed, &c.Inputs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullDate(d *engine.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}
