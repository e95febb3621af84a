package xui

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "vpnonboard/internal/errors"
)

// Store defines the credential-store operations against a panel database.
// This allows tests and callers to substitute in-memory implementations.
type Store interface {
	LoadInbound(sel Selector) (*Inbound, error)
	ListClients(inb *Inbound) ([]Client, error)
	AddClient(inb *Inbound, c Client) (*Client, error)
	RemoveClients(inb *Inbound, req RemovalRequest) (*RemovalResult, error)
	EnsureTrafficRow(inb *Inbound, c Client) (bool, error)
	SyncTraffic(sel Selector) (*SyncResult, error)
	FindClient(sel Selector, email string) (*Client, bool, error)

	Capabilities() *Capabilities
	Path() string
	Close() error
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore reads and mutates an externally-owned x-ui SQLite database.
// It adapts to whatever schema it finds (see Resolve) and performs no
// migrations. Cross-call atomicity is the caller's job via the store lock.
type SQLiteStore struct {
	db   *gorm.DB
	caps *Capabilities
	path string
}

// RemovalRequest names the clients to remove. UUIDs are normalized before
// matching; Force suppresses the NotFound error when nothing matches.
type RemovalRequest struct {
	Emails []string
	UUIDs  []string
	Force  bool
}

// TrafficOutcome reports the best-effort traffic-table cleanup that
// accompanies a removal. A failure here is a warning, never an error.
type TrafficOutcome struct {
	Table   string `json:"table"`
	Deleted int64  `json:"deleted_rows"`
	Warning string `json:"warning,omitempty"`
}

// RemovalResult is the outcome of RemoveClients.
type RemovalResult struct {
	Removed []Client       `json:"removed"`
	Before  int            `json:"clients_before"`
	After   int            `json:"clients_after"`
	Traffic TrafficOutcome `json:"traffic"`
}

// SyncResult is the outcome of SyncTraffic.
type SyncResult struct {
	InboundID int      `json:"inbound_id"`
	Changed   int      `json:"changed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
	Warning   string   `json:"warning,omitempty"`
}

// OpenStore opens the panel database at path and resolves its schema.
// The file must already exist: this tool never creates or migrates a panel DB.
func OpenStore(path string, overrides *Candidates) (*SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("db file %s: %w", path, apperrors.ErrNotFound)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	caps, err := Resolve(db, overrides)
	if err != nil {
		if sqlDB, dberr := db.DB(); dberr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return &SQLiteStore{db: db, caps: caps, path: path}, nil
}

// Capabilities returns the resolved schema capability record.
func (s *SQLiteStore) Capabilities() *Capabilities { return s.caps }

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadInbound fetches one inbound row by id, port, or tag and decodes its
// settings and stream JSON.
func (s *SQLiteStore) LoadInbound(sel Selector) (*Inbound, error) {
	if !sel.valid() {
		return nil, fmt.Errorf("select inbound by id, port, or tag")
	}

	caps := s.caps
	var whereCol string
	var arg any
	switch {
	case sel.ID != nil:
		whereCol, arg = caps.IDCol, *sel.ID
	case sel.Port != nil:
		if caps.PortCol == "" {
			return nil, &apperrors.SchemaError{Table: caps.InboundTable, Missing: []string{"port"}}
		}
		whereCol, arg = caps.PortCol, *sel.Port
	default:
		if caps.TagCol == "" {
			return nil, &apperrors.SchemaError{Table: caps.InboundTable, Missing: []string{"tag"}}
		}
		whereCol, arg = caps.TagCol, *sel.Tag
	}

	// Missing optional columns select as constants so the scan shape is fixed.
	selectCols := []string{quoteIdent(caps.IDCol) + " AS id"}
	if caps.PortCol != "" {
		selectCols = append(selectCols, quoteIdent(caps.PortCol)+" AS port")
	} else {
		selectCols = append(selectCols, "0 AS port")
	}
	if caps.TagCol != "" {
		selectCols = append(selectCols, quoteIdent(caps.TagCol)+" AS tag")
	} else {
		selectCols = append(selectCols, "'' AS tag")
	}
	selectCols = append(selectCols, quoteIdent(caps.SettingsCol)+" AS settings")
	if caps.StreamCol != "" {
		selectCols = append(selectCols, quoteIdent(caps.StreamCol)+" AS stream")
	} else {
		selectCols = append(selectCols, "'' AS stream")
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? LIMIT 1",
		strings.Join(selectCols, ", "), quoteIdent(caps.InboundTable), quoteIdent(whereCol))

	// NULL port/tag rows occur on some forks; they read as zero values, the
	// same as when the column is absent entirely.
	row := s.db.Raw(query, arg).Row()
	var (
		inb         Inbound
		portRaw     sql.NullInt64
		tagRaw      sql.NullString
		settingsRaw sql.NullString
		streamRaw   sql.NullString
	)
	if err := row.Scan(&inb.ID, &portRaw, &tagRaw, &settingsRaw, &streamRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("inbound (%s = %v): %w", whereCol, arg, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("load inbound: %w", err)
	}
	inb.Port = int(portRaw.Int64)
	inb.Tag = tagRaw.String

	var err error
	inb.settings, err = decodeJSONObject(settingsRaw.String)
	if err != nil {
		return nil, &apperrors.SchemaError{
			Table:  caps.InboundTable,
			Reason: fmt.Sprintf("malformed %s JSON: %v", caps.SettingsCol, err),
		}
	}
	// Stream settings are only consulted for defaults; a malformed blob
	// disables that, it does not block client mutations.
	inb.stream, _ = decodeJSONObject(streamRaw.String)
	return &inb, nil
}

// ListClients decodes the inbound's clients array. A clients field that is
// present but not an array is a hard SchemaError: silently dropping entries
// on the next write would lose panel data.
func (s *SQLiteStore) ListClients(inb *Inbound) ([]Client, error) {
	entries, err := s.clientEntries(inb)
	if err != nil {
		return nil, err
	}
	clients := make([]Client, 0, len(entries))
	for _, e := range entries {
		if c, ok := clientFromEntry(e); ok {
			clients = append(clients, c)
		}
	}
	return clients, nil
}

// AddClient appends a client to the inbound's list and persists the settings
// JSON as one atomic update. Email and UUID duplicates are a Conflict and
// leave the stored JSON untouched.
func (s *SQLiteStore) AddClient(inb *Inbound, c Client) (*Client, error) {
	id := NormalizeUUID(c.ID)
	if id == "" {
		return nil, fmt.Errorf("invalid client UUID %q", c.ID)
	}
	c.ID = id

	entries, err := s.clientEntries(inb)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		existing, ok := clientFromEntry(e)
		if !ok {
			continue
		}
		if existing.Email == c.Email {
			return nil, fmt.Errorf("client email %q: %w", c.Email, apperrors.ErrConflict)
		}
		if NormalizeUUID(existing.ID) == c.ID {
			return nil, fmt.Errorf("client id %q: %w", c.ID, apperrors.ErrConflict)
		}
	}

	entry := map[string]any{"id": c.ID, "email": c.Email, "flow": c.Flow}
	if c.SubID != "" {
		entry["subId"] = c.SubID
	}
	inb.settings["clients"] = append(entries, entry)

	if err := s.persistSettings(inb); err != nil {
		return nil, err
	}
	return &c, nil
}

// RemoveClients drops every client matching the request from the settings
// JSON and best-effort deletes the matching traffic rows. With no matches and
// Force unset it fails with NotFound and writes nothing.
func (s *SQLiteStore) RemoveClients(inb *Inbound, req RemovalRequest) (*RemovalResult, error) {
	wantEmails := make(map[string]bool)
	for _, e := range req.Emails {
		if e = strings.TrimSpace(e); e != "" {
			wantEmails[e] = true
		}
	}
	wantUUIDs := make(map[string]bool)
	for _, u := range req.UUIDs {
		if n := NormalizeUUID(u); n != "" {
			wantUUIDs[n] = true
		}
	}
	if len(wantEmails) == 0 && len(wantUUIDs) == 0 {
		return nil, fmt.Errorf("provide at least one email or uuid")
	}

	entries, err := s.clientEntries(inb)
	if err != nil {
		return nil, err
	}

	res := &RemovalResult{Before: len(entries)}
	kept := make([]any, 0, len(entries))
	for _, e := range entries {
		c, ok := clientFromEntry(e)
		if !ok {
			// Non-object entries are panel data we do not understand; keep them.
			kept = append(kept, e)
			continue
		}
		cid := NormalizeUUID(c.ID)
		if wantEmails[c.Email] || (cid != "" && wantUUIDs[cid]) {
			c.ID = cid
			res.Removed = append(res.Removed, c)
		} else {
			kept = append(kept, e)
		}
	}
	res.After = len(kept)

	if len(res.Removed) == 0 && !req.Force {
		return nil, fmt.Errorf("no matching clients in inbound %d: %w", inb.ID, apperrors.ErrNotFound)
	}

	inb.settings["clients"] = kept
	if err := s.persistSettings(inb); err != nil {
		return nil, err
	}

	// Delete accounting rows for the clients actually removed, not for the
	// request terms: a client matched by UUID still has an email-keyed row.
	delEmails := make(map[string]bool)
	delUUIDs := make(map[string]bool)
	for _, c := range res.Removed {
		if c.Email != "" {
			delEmails[c.Email] = true
		}
		if c.ID != "" {
			delUUIDs[c.ID] = true
		}
	}
	res.Traffic = s.deleteTrafficRows(inb.ID, delEmails, delUUIDs)
	return res, nil
}

// deleteTrafficRows removes accounting rows for the given identities.
// Failures are reported as a warning on the outcome, never as an error: the
// settings mutation already succeeded.
func (s *SQLiteStore) deleteTrafficRows(inboundID int, emails, uuids map[string]bool) TrafficOutcome {
	ts := s.caps.Traffic
	if ts == nil {
		return TrafficOutcome{}
	}
	out := TrafficOutcome{Table: ts.Table}
	for email := range emails {
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			quoteIdent(ts.Table), quoteIdent(ts.EmailCol), quoteIdent(ts.InboundCol))
		tx := s.db.Exec(q, email, inboundID)
		if tx.Error != nil {
			out.Warning = tx.Error.Error()
			continue
		}
		out.Deleted += tx.RowsAffected
	}
	if ts.UUIDCol != "" {
		for id := range uuids {
			q := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
				quoteIdent(ts.Table), quoteIdent(ts.UUIDCol), quoteIdent(ts.InboundCol))
			tx := s.db.Exec(q, id, inboundID)
			if tx.Error != nil {
				out.Warning = tx.Error.Error()
				continue
			}
			out.Deleted += tx.RowsAffected
		}
	}
	return out
}

// EnsureTrafficRow backfills the accounting row some panel UIs need before
// they show a client at all. Idempotent: an existing (email, inbound) row
// returns false. Every NOT-NULL column without a default is satisfied with a
// zero or empty string so the insert works on any fork's schema.
func (s *SQLiteStore) EnsureTrafficRow(inb *Inbound, c Client) (bool, error) {
	ts := s.caps.Traffic
	if ts == nil {
		return false, nil
	}

	var count int64
	q := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE %s = ? AND %s = ?",
		quoteIdent(ts.Table), quoteIdent(ts.EmailCol), quoteIdent(ts.InboundCol))
	if err := s.db.Raw(q, c.Email, inb.ID).Scan(&count).Error; err != nil {
		return false, fmt.Errorf("check traffic row: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	payload := map[string]any{
		ts.EmailCol:   c.Email,
		ts.InboundCol: inb.ID,
	}
	if ts.EnableCol != "" {
		payload[ts.EnableCol] = 1
	}
	if ts.UpCol != "" {
		payload[ts.UpCol] = 0
	}
	if ts.DownCol != "" {
		payload[ts.DownCol] = 0
	}
	if ts.TotalCol != "" {
		payload[ts.TotalCol] = 0
	}
	if ts.UUIDCol != "" {
		payload[ts.UUIDCol] = c.ID
	}
	for _, col := range ts.Columns {
		if col.PK == 1 {
			continue
		}
		if _, done := payload[col.Name]; done {
			continue
		}
		if col.NotNull == 1 && col.Default == nil {
			if isNumericType(col.Type) {
				payload[col.Name] = 0
			} else {
				payload[col.Name] = ""
			}
		}
	}

	cols := make([]string, 0, len(payload))
	marks := make([]string, 0, len(payload))
	args := make([]any, 0, len(payload))
	for name, v := range payload {
		cols = append(cols, quoteIdent(name))
		marks = append(marks, "?")
		args = append(args, v)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(ts.Table), strings.Join(cols, ","), strings.Join(marks, ","))
	if err := s.db.Exec(insert, args...).Error; err != nil {
		return false, fmt.Errorf("insert traffic row: %w", err)
	}
	return true, nil
}

// SyncTraffic walks the inbound's client list and backfills a traffic row for
// every client that has both an email and a UUID. Entries without either are
// counted as skipped, like clients added by hand-editing the JSON.
func (s *SQLiteStore) SyncTraffic(sel Selector) (*SyncResult, error) {
	inb, err := s.LoadInbound(sel)
	if err != nil {
		return nil, err
	}
	entries, err := s.clientEntries(inb)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{InboundID: inb.ID, Errors: []string{}}
	if s.caps.Traffic == nil {
		res.Skipped = len(entries)
		res.Warning = "no client traffic table"
		return res, nil
	}
	for _, e := range entries {
		c, ok := clientFromEntry(e)
		if !ok || strings.TrimSpace(c.Email) == "" || strings.TrimSpace(c.ID) == "" {
			res.Skipped++
			continue
		}
		inserted, err := s.EnsureTrafficRow(inb, Client{ID: c.ID, Email: strings.TrimSpace(c.Email)})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.Email, err))
			continue
		}
		if inserted {
			res.Changed++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// FindClient re-reads the inbound and looks the client up by exact email.
// Used for dedup under the store lock.
func (s *SQLiteStore) FindClient(sel Selector, email string) (*Client, bool, error) {
	inb, err := s.LoadInbound(sel)
	if err != nil {
		return nil, false, err
	}
	clients, err := s.ListClients(inb)
	if err != nil {
		return nil, false, err
	}
	for _, c := range clients {
		if c.Email == email {
			found := c
			return &found, true, nil
		}
	}
	return nil, false, nil
}

// clientEntries returns the raw clients array, creating an empty one in the
// in-memory settings when absent.
func (s *SQLiteStore) clientEntries(inb *Inbound) ([]any, error) {
	if inb.settings == nil {
		inb.settings = map[string]any{}
	}
	raw, present := inb.settings["clients"]
	if !present || raw == nil {
		return []any{}, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, &apperrors.SchemaError{
			Table:  s.caps.InboundTable,
			Reason: "settings JSON has non-array 'clients' field; refusing to edit",
		}
	}
	return entries, nil
}

// persistSettings rewrites the inbound's settings column in one UPDATE.
func (s *SQLiteStore) persistSettings(inb *Inbound) error {
	raw, err := compactJSON(inb.settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	q := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
		quoteIdent(s.caps.InboundTable), quoteIdent(s.caps.SettingsCol), quoteIdent(s.caps.IDCol))
	tx := s.db.Exec(q, raw, inb.ID)
	if tx.Error != nil {
		return fmt.Errorf("update settings: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("inbound %d vanished during update: %w", inb.ID, apperrors.ErrNotFound)
	}
	return nil
}

// decodeJSONObject parses a JSON object column, treating empty/blank as {}.
func decodeJSONObject(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
