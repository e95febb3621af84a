package xui

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	apperrors "vpnonboard/internal/errors"
)

// Capabilities is the resolved schema of a panel database: which physical
// tables and columns hold each logical field. It is produced once per store
// and consumed by every data-access call; nothing downstream re-queries
// table metadata.
type Capabilities struct {
	InboundTable string `json:"inbound_table"`
	IDCol        string `json:"id_col"`
	PortCol      string `json:"port_col,omitempty"` // empty if the deployment has no port column
	TagCol       string `json:"tag_col,omitempty"`  // empty if the deployment has no tag column
	SettingsCol  string `json:"settings_col"`
	StreamCol    string `json:"stream_col,omitempty"` // empty if the deployment has no stream settings column

	// Traffic is nil when no traffic/accounting table exists. That only
	// disables the traffic feature; it is never an error.
	Traffic *TrafficSchema `json:"traffic,omitempty"`
}

// TrafficSchema describes the optional per-client accounting table.
type TrafficSchema struct {
	Table      string `json:"table"`
	EmailCol   string `json:"email_col"`
	InboundCol string `json:"inbound_col"`
	UUIDCol    string `json:"uuid_col,omitempty"` // empty if the schema has no column for the client UUID
	EnableCol  string `json:"enable_col,omitempty"`
	UpCol      string `json:"up_col,omitempty"`
	DownCol    string `json:"down_col,omitempty"`
	TotalCol   string `json:"total_col,omitempty"`

	// Columns is the full table definition, needed to satisfy NOT-NULL
	// columns without defaults when backfilling rows.
	Columns []ColumnInfo `json:"-"`
}

// ColumnInfo mirrors one row of PRAGMA table_info.
type ColumnInfo struct {
	CID     int     `gorm:"column:cid"`
	Name    string  `gorm:"column:name"`
	Type    string  `gorm:"column:type"`
	NotNull int     `gorm:"column:notnull"`
	Default *string `gorm:"column:dflt_value"`
	PK      int     `gorm:"column:pk"`
}

// Candidates holds the priority-ordered physical names tried for each logical
// field. Different x-ui forks rename tables and columns; the first match wins.
type Candidates struct {
	InboundTables  []string `yaml:"inbound_tables"`
	SettingsCols   []string `yaml:"settings_cols"`
	StreamCols     []string `yaml:"stream_cols"`
	TrafficTables  []string `yaml:"traffic_tables"`
	TrafficEmail   []string `yaml:"traffic_email"`
	TrafficInbound []string `yaml:"traffic_inbound"`
	TrafficUUID    []string `yaml:"traffic_uuid"`
	TrafficEnable  []string `yaml:"traffic_enable"`
	TrafficUp      []string `yaml:"traffic_up"`
	TrafficDown    []string `yaml:"traffic_down"`
	TrafficTotal   []string `yaml:"traffic_total"`
}

// DefaultCandidates covers the forks seen in the wild.
func DefaultCandidates() Candidates {
	return Candidates{
		InboundTables:  []string{"inbounds"},
		SettingsCols:   []string{"settings", "setting"},
		StreamCols:     []string{"stream_settings", "streamSettings"},
		TrafficTables:  []string{"client_traffics", "client_traffic", "clientStats", "client_stats"},
		TrafficEmail:   []string{"email", "user", "username"},
		TrafficInbound: []string{"inbound_id", "inboundid", "inbound"},
		TrafficUUID:    []string{"uuid", "client_id", "clientid", "xray_uuid", "xrayuuid"},
		TrafficEnable:  []string{"enable", "enabled", "active"},
		TrafficUp:      []string{"up", "uplink", "upload"},
		TrafficDown:    []string{"down", "downlink", "download"},
		TrafficTotal:   []string{"total"},
	}
}

// merge overlays non-empty override lists onto the defaults.
func (c Candidates) merge(o Candidates) Candidates {
	pick := func(override, def []string) []string {
		if len(override) > 0 {
			return override
		}
		return def
	}
	return Candidates{
		InboundTables:  pick(o.InboundTables, c.InboundTables),
		SettingsCols:   pick(o.SettingsCols, c.SettingsCols),
		StreamCols:     pick(o.StreamCols, c.StreamCols),
		TrafficTables:  pick(o.TrafficTables, c.TrafficTables),
		TrafficEmail:   pick(o.TrafficEmail, c.TrafficEmail),
		TrafficInbound: pick(o.TrafficInbound, c.TrafficInbound),
		TrafficUUID:    pick(o.TrafficUUID, c.TrafficUUID),
		TrafficEnable:  pick(o.TrafficEnable, c.TrafficEnable),
		TrafficUp:      pick(o.TrafficUp, c.TrafficUp),
		TrafficDown:    pick(o.TrafficDown, c.TrafficDown),
		TrafficTotal:   pick(o.TrafficTotal, c.TrafficTotal),
	}
}

// Resolve inspects the database and maps logical fields to physical names.
// A missing inbound table, id column, or settings column is a hard
// SchemaError; a missing traffic table only leaves Capabilities.Traffic nil.
func Resolve(db *gorm.DB, overrides *Candidates) (*Capabilities, error) {
	cand := DefaultCandidates()
	if overrides != nil {
		cand = cand.merge(*overrides)
	}

	table, err := resolveTable(db, cand.InboundTables)
	if err != nil {
		return nil, err
	}
	if table == "" {
		return nil, &apperrors.SchemaError{
			Reason: fmt.Sprintf("no inbound table found (tried: %s); is this an x-ui DB?", strings.Join(cand.InboundTables, ", ")),
		}
	}

	cols, err := tableInfo(db, table)
	if err != nil {
		return nil, err
	}
	names := columnNames(cols)

	caps := &Capabilities{InboundTable: table}
	caps.IDCol = pickColumn(names, []string{"id"})
	if caps.IDCol == "" {
		return nil, &apperrors.SchemaError{Table: table, Missing: []string{"id"}, Columns: names}
	}
	caps.SettingsCol = pickColumn(names, cand.SettingsCols)
	if caps.SettingsCol == "" {
		return nil, &apperrors.SchemaError{Table: table, Missing: []string{"settings"}, Columns: names}
	}
	caps.PortCol = pickColumn(names, []string{"port"})
	caps.TagCol = pickColumn(names, []string{"tag"})
	caps.StreamCol = pickColumn(names, cand.StreamCols)

	traffic, err := resolveTraffic(db, cand)
	if err != nil {
		return nil, err
	}
	caps.Traffic = traffic
	return caps, nil
}

func resolveTraffic(db *gorm.DB, cand Candidates) (*TrafficSchema, error) {
	table, err := resolveTable(db, cand.TrafficTables)
	if err != nil {
		return nil, err
	}
	if table == "" {
		return nil, nil
	}

	cols, err := tableInfo(db, table)
	if err != nil {
		return nil, err
	}

	// Traffic columns match case-insensitively but keep the physical
	// spelling for SQL.
	lut := make(map[string]string, len(cols))
	for _, c := range cols {
		lut[strings.ToLower(c.Name)] = c.Name
	}
	pick := func(candidates []string) string {
		for _, k := range candidates {
			if phys, ok := lut[strings.ToLower(k)]; ok {
				return phys
			}
		}
		return ""
	}

	ts := &TrafficSchema{
		Table:      table,
		EmailCol:   pick(cand.TrafficEmail),
		InboundCol: pick(cand.TrafficInbound),
		UUIDCol:    pick(cand.TrafficUUID),
		EnableCol:  pick(cand.TrafficEnable),
		UpCol:      pick(cand.TrafficUp),
		DownCol:    pick(cand.TrafficDown),
		TotalCol:   pick(cand.TrafficTotal),
		Columns:    cols,
	}
	if ts.EmailCol == "" || ts.InboundCol == "" {
		// Unusable accounting table: treat as absent rather than failing,
		// matching how forks without accounting behave.
		return nil, nil
	}
	return ts, nil
}

// resolveTable returns the first candidate present in sqlite_master, or "".
func resolveTable(db *gorm.DB, candidates []string) (string, error) {
	for _, name := range candidates {
		var count int64
		err := db.Raw("SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count).Error
		if err != nil {
			return "", fmt.Errorf("inspect sqlite_master: %w", err)
		}
		if count > 0 {
			return name, nil
		}
	}
	return "", nil
}

func tableInfo(db *gorm.DB, table string) ([]ColumnInfo, error) {
	var cols []ColumnInfo
	if err := db.Raw("PRAGMA table_info(" + quoteIdent(table) + ")").Scan(&cols).Error; err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", table, err)
	}
	return cols, nil
}

func columnNames(cols []ColumnInfo) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names
}

// pickColumn returns the first candidate present (exact match), or "".
func pickColumn(cols []string, candidates []string) string {
	for _, want := range candidates {
		for _, have := range cols {
			if have == want {
				return have
			}
		}
	}
	return ""
}

// quoteIdent quotes a table/column identifier for interpolation into SQL.
// Identifiers come from the database's own schema, never from user input,
// but quoting keeps odd fork spellings (camelCase, spaces) safe.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// isNumericType reports whether a declared SQLite column type holds numbers,
// per SQLite's affinity rules as applied by the panel schemas we see.
func isNumericType(declared string) bool {
	t := strings.ToUpper(declared)
	return strings.Contains(t, "INT") || strings.Contains(t, "REAL") || strings.Contains(t, "NUM")
}
