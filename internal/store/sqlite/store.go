// Package sqlite provides the SQLite-backed record store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/store"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

const defaultBusyTimeoutMS = 5000

// Options configures Open.
type Options struct {
	Path          string
	BusyTimeoutMS int
}

// Store persists devices and commands in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at opts.Path and applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	busyTimeout := opts.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeoutMS
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	cleanupOnErr := true
	defer func() {
		if cleanupOnErr {
			_ = db.Close()
		}
	}()

	// A single connection serializes writes and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db, busyTimeout); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	cleanupOnErr = false
	return &Store{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, busyTimeoutMS int) error {
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	parentDir := filepath.Dir(path)
	if parentDir == "." || parentDir == "" {
		return nil
	}
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create sqlite parent directory %q: %w", parentDir, err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func isConstraintViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// InsertDevice stores a newly paired device.
func (s *Store) InsertDevice(ctx context.Context, device models.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(device.DeviceID) == "" {
		return fmt.Errorf("device id is required")
	}
	if strings.TrimSpace(device.PairingToken) == "" {
		return fmt.Errorf("pairing token is required")
	}
	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var lastSeen sql.NullInt64
	if device.LastSeen != nil {
		lastSeen = sql.NullInt64{Int64: toMillis(*device.LastSeen), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, display_name, pairing_token, created_at, last_seen, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		device.DeviceID,
		device.DisplayName,
		device.PairingToken,
		toMillis(createdAt),
		lastSeen,
		rawOrEmptyObject(device.Metadata),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("insert device %s: %w", device.DeviceID, store.ErrConflict)
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

const deviceColumns = `device_id, display_name, pairing_token, created_at, last_seen, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (models.Device, error) {
	var (
		device    models.Device
		createdAt int64
		lastSeen  sql.NullInt64
		metadata  string
	)
	if err := row.Scan(&device.DeviceID, &device.DisplayName, &device.PairingToken, &createdAt, &lastSeen, &metadata); err != nil {
		return models.Device{}, err
	}
	device.CreatedAt = fromMillis(createdAt)
	if lastSeen.Valid {
		seen := fromMillis(lastSeen.Int64)
		device.LastSeen = &seen
	}
	device.Metadata = json.RawMessage(metadata)
	return device, nil
}

// GetDeviceByID looks up a device by its identifier.
func (s *Store) GetDeviceByID(ctx context.Context, deviceID string) (models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, fmt.Errorf("device %s: %w", deviceID, store.ErrNotFound)
		}
		return models.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// GetDeviceByToken looks up the device owning a pairing token.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (models.Device, error) {
	if token == "" {
		return models.Device{}, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE pairing_token = ?`, token)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, store.ErrNotFound
		}
		return models.Device{}, fmt.Errorf("get device by token: %w", err)
	}
	return device, nil
}

// ListDevices returns all devices in pairing order.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// UpdateDeviceLastSeen records a heartbeat.
func (s *Store) UpdateDeviceLastSeen(ctx context.Context, deviceID string, at time.Time, state json.RawMessage) error {
	var (
		res sql.Result
		err error
	)
	if len(state) > 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE devices SET last_seen = ?, metadata = ? WHERE device_id = ?`,
			toMillis(at), string(state), deviceID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE devices SET last_seen = ? WHERE device_id = ?`,
			toMillis(at), deviceID)
	}
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	return requireAffected(res, "device", deviceID)
}

func requireAffected(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

// InsertCommand stores a new command record.
func (s *Store) InsertCommand(ctx context.Context, cmd models.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(cmd.CmdID) == "" {
		return fmt.Errorf("command id is required")
	}
	createdAt := cmd.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := cmd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var result sql.NullString
	if len(cmd.Result) > 0 {
		result = sql.NullString{String: string(cmd.Result), Valid: true}
	}
	var errText sql.NullString
	if cmd.Error != nil {
		errText = sql.NullString{String: *cmd.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (cmd_id, device_id, name, params, status, created_at, updated_at, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.CmdID,
		cmd.DeviceID,
		cmd.Name,
		rawOrEmptyObject(cmd.Params),
		string(cmd.Status),
		toMillis(createdAt),
		toMillis(updatedAt),
		result,
		errText,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("insert command %s: %w", cmd.CmdID, store.ErrConflict)
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

const commandColumns = `cmd_id, device_id, name, params, status, created_at, updated_at, result, error`

func scanCommand(row rowScanner) (models.Command, error) {
	var (
		cmd       models.Command
		params    string
		status    string
		createdAt int64
		updatedAt int64
		result    sql.NullString
		errText   sql.NullString
	)
	if err := row.Scan(&cmd.CmdID, &cmd.DeviceID, &cmd.Name, &params, &status, &createdAt, &updatedAt, &result, &errText); err != nil {
		return models.Command{}, err
	}
	cmd.Params = json.RawMessage(params)
	cmd.Status = constants.CommandStatus(status)
	cmd.CreatedAt = fromMillis(createdAt)
	cmd.UpdatedAt = fromMillis(updatedAt)
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}
	if errText.Valid {
		text := errText.String
		cmd.Error = &text
	}
	return cmd, nil
}

// GetCommand looks up a command by id.
func (s *Store) GetCommand(ctx context.Context, cmdID string) (models.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE cmd_id = ?`, cmdID)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Command{}, fmt.Errorf("command %s: %w", cmdID, store.ErrNotFound)
		}
		return models.Command{}, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// ListCommands returns the most recent commands across all devices.
func (s *Store) ListCommands(ctx context.Context, limit int) ([]models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryCommands(ctx, query, args...)
}

// ListCommandsForDevice scans one device's commands.
func (s *Store) ListCommandsForDevice(ctx context.Context, deviceID string, q store.CommandQuery) ([]models.Command, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + commandColumns + ` FROM commands WHERE device_id = ?`)
	args := []any{deviceID}
	if q.Status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, string(q.Status))
	}
	if q.Ascending {
		sb.WriteString(` ORDER BY created_at ASC, rowid ASC`)
	} else {
		sb.WriteString(` ORDER BY created_at DESC, rowid DESC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}
	return s.queryCommands(ctx, sb.String(), args...)
}

func (s *Store) queryCommands(ctx context.Context, query string, args ...any) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	commands := []models.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return commands, nil
}

// UpdateCommandStatus applies a status change reported for deviceID's command.
func (s *Store) UpdateCommandStatus(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands
		    SET status = ?,
		        updated_at = ?,
		        error = CASE WHEN ? = 'failed' THEN error ELSE NULL END
		  WHERE cmd_id = ? AND device_id = ?`,
		string(status), toMillis(at), string(status), cmdID, deviceID)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	return requireAffected(res, "command", cmdID)
}

// UpdateCommandResult records a final (or interim) result for deviceID's command.
func (s *Store) UpdateCommandResult(ctx context.Context, deviceID, cmdID string, status constants.CommandStatus, result json.RawMessage, errText *string, at time.Time) error {
	var resultValue sql.NullString
	if len(result) > 0 {
		resultValue = sql.NullString{String: string(result), Valid: true}
	}
	var errValue sql.NullString
	if errText != nil && status == constants.CommandStatusFailed {
		errValue = sql.NullString{String: *errText, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ?, result = ?, error = ? WHERE cmd_id = ? AND device_id = ?`,
		string(status), toMillis(at), resultValue, errValue, cmdID, deviceID)
	if err != nil {
		return fmt.Errorf("update command result: %w", err)
	}
	return requireAffected(res, "command", cmdID)
}

// MarkCommandSent moves a queued command to sent.
func (s *Store) MarkCommandSent(ctx context.Context, cmdID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ? WHERE cmd_id = ? AND status = ?`,
		string(constants.CommandStatusSent), toMillis(at), cmdID, string(constants.CommandStatusQueued))
	if err != nil {
		return false, fmt.Errorf("mark command sent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
