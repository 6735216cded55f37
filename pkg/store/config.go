package store

import (
	"database/sql"

	"github.com/agenshield/agenshield/pkg/scope"
)

// Log levels accepted by ConfigValues.LogLevel.
var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// ConfigValues holds daemon settings. A nil field is unset at that level
// and inherits from the less specific one.
type ConfigValues struct {
	DaemonHost         *string       `json:"daemonHost,omitempty"`
	DaemonPort         *int          `json:"daemonPort,omitempty"`
	LogLevel           *string       `json:"logLevel,omitempty"`
	EnableNetworkProxy *bool         `json:"enableNetworkProxy,omitempty"`
	EnableSkillScan    *bool         `json:"enableSkillScan,omitempty"`
	DefaultAction      *PolicyAction `json:"defaultAction,omitempty"`
}

// ConfigField names one stored setting. Its value is the column name.
type ConfigField string

const (
	FieldDaemonHost         ConfigField = "daemon_host"
	FieldDaemonPort         ConfigField = "daemon_port"
	FieldLogLevel           ConfigField = "log_level"
	FieldEnableNetworkProxy ConfigField = "enable_network_proxy"
	FieldEnableSkillScan    ConfigField = "enable_skill_scan"
	FieldDefaultAction      ConfigField = "default_action"
)

// configColumns maps ConfigValues fields to their columns, in table order.
var configColumns = []string{
	string(FieldDaemonHost),
	string(FieldDaemonPort),
	string(FieldLogLevel),
	string(FieldEnableNetworkProxy),
	string(FieldEnableSkillScan),
	string(FieldDefaultAction),
}

// validateUnset checks that every field names a column and is not also set
// by values.
func validateUnset(values scope.Row, unset []ConfigField) error {
	for _, f := range unset {
		v, known := values[string(f)]
		if !known {
			return invalid("unset", "unknown field %q", f)
		}
		if v != nil {
			return invalid(string(f), "cannot be set and unset together")
		}
	}
	return nil
}

func (v ConfigValues) validate() error {
	if v.DaemonHost != nil && *v.DaemonHost == "" {
		return invalid("daemon_host", "must not be empty")
	}
	if v.DaemonPort != nil && (*v.DaemonPort < 1 || *v.DaemonPort > 65535) {
		return invalid("daemon_port", "must be between 1 and 65535")
	}
	if v.LogLevel != nil && !logLevels[*v.LogLevel] {
		return invalid("log_level", "unknown level %q", *v.LogLevel)
	}
	if v.DefaultAction != nil {
		if err := validateAction(*v.DefaultAction); err != nil {
			return err
		}
	}
	return nil
}

// row converts v into a scope.Row keyed by column, nil for unset fields.
func (v ConfigValues) row() scope.Row {
	row := make(scope.Row, len(configColumns))
	for _, c := range configColumns {
		row[c] = nil
	}
	if v.DaemonHost != nil {
		row["daemon_host"] = *v.DaemonHost
	}
	if v.DaemonPort != nil {
		row["daemon_port"] = int64(*v.DaemonPort)
	}
	if v.LogLevel != nil {
		row["log_level"] = *v.LogLevel
	}
	if v.EnableNetworkProxy != nil {
		row["enable_network_proxy"] = int64(boolToInt(*v.EnableNetworkProxy))
	}
	if v.EnableSkillScan != nil {
		row["enable_skill_scan"] = int64(boolToInt(*v.EnableSkillScan))
	}
	if v.DefaultAction != nil {
		row["default_action"] = string(*v.DefaultAction)
	}
	return row
}

func valuesFromRow(row scope.Row) *ConfigValues {
	var v ConfigValues
	if s, ok := row["daemon_host"].(string); ok {
		v.DaemonHost = &s
	}
	if n, ok := row["daemon_port"].(int64); ok {
		port := int(n)
		v.DaemonPort = &port
	}
	if s, ok := row["log_level"].(string); ok {
		v.LogLevel = &s
	}
	if n, ok := row["enable_network_proxy"].(int64); ok {
		b := n != 0
		v.EnableNetworkProxy = &b
	}
	if n, ok := row["enable_skill_scan"].(int64); ok {
		b := n != 0
		v.EnableSkillScan = &b
	}
	if s, ok := row["default_action"].(string); ok {
		a := PolicyAction(s)
		v.DefaultAction = &a
	}
	return &v
}

// ConfigRepository reads merged daemon settings and writes the row of its
// bound level. A nil scope is treated as the global level.
type ConfigRepository struct {
	base
}

func (r *ConfigRepository) level() *scope.Filter {
	if r.scope == nil {
		return scope.Global()
	}
	targetID, hasTarget := r.scope.TargetID.Value()
	if !hasTarget {
		return scope.Global()
	}
	if username, hasUser := r.scope.UserUsername.Value(); hasUser {
		return scope.User(targetID, username)
	}
	return scope.Target(targetID)
}

func (r *ConfigRepository) readRow(q querier, level *scope.Filter) (scope.Row, error) {
	where, args := scope.BuildScopeWhere(level)
	var (
		host, logLevel, action sql.NullString
		port, proxy, skillScan sql.NullInt64
	)
	err := q.QueryRow(`
		SELECT daemon_host, daemon_port, log_level, enable_network_proxy, enable_skill_scan, default_action
		FROM config WHERE `+where, args...,
	).Scan(&host, &port, &logLevel, &proxy, &skillScan, &action)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	row := scope.Row{}
	for col, v := range map[string]any{
		"daemon_host":          host,
		"daemon_port":          port,
		"log_level":            logLevel,
		"enable_network_proxy": proxy,
		"enable_skill_scan":    skillScan,
		"default_action":       action,
	} {
		switch n := v.(type) {
		case sql.NullString:
			if n.Valid {
				row[col] = n.String
			} else {
				row[col] = nil
			}
		case sql.NullInt64:
			if n.Valid {
				row[col] = n.Int64
			} else {
				row[col] = nil
			}
		}
	}
	return row, nil
}

// Get merges the rows of every level from global to the bound one. It
// returns nil when no level has a row.
func (r *ConfigRepository) Get() (*ConfigValues, error) {
	var rows []scope.Row
	for _, level := range scope.ConfigScopeLevels(r.level()) {
		row, err := r.readRow(r.db, &level)
		if err != nil {
			return nil, wrapErr("get config", err)
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	merged := scope.MergeConfigRows(rows)
	if merged == nil {
		return nil, nil
	}
	return valuesFromRow(merged), nil
}

// GetLevel returns only the bound level's row, or nil.
func (r *ConfigRepository) GetLevel() (*ConfigValues, error) {
	row, err := r.readRow(r.db, r.level())
	if err != nil || row == nil {
		return nil, wrapErr("get config", err)
	}
	return valuesFromRow(row), nil
}

// Set writes the non-nil fields of patch at the bound level, creating the
// row if needed. Fields listed in unset go back to NULL so they inherit
// from a broader level. Anything else keeps its stored value.
func (r *ConfigRepository) Set(patch ConfigValues, unset ...ConfigField) error {
	if err := patch.validate(); err != nil {
		return err
	}
	values := patch.row()
	if err := validateUnset(values, unset); err != nil {
		return err
	}
	level := r.level()

	err := r.withTx(func(tx *sql.Tx) error {
		existing, err := r.readRow(tx, level)
		if err != nil {
			return err
		}

		if existing == nil {
			if patch == (ConfigValues{}) {
				return nil
			}
			args := []any{level.TargetID.Ptr(), level.UserUsername.Ptr()}
			for _, c := range configColumns {
				args = append(args, values[c])
			}
			args = append(args, r.timestamp())
			_, err := tx.Exec(`
				INSERT INTO config (target_id, user_username, daemon_host, daemon_port, log_level,
					enable_network_proxy, enable_skill_scan, default_action, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
			return err
		}

		var u updateSet
		for _, c := range configColumns {
			if values[c] != nil {
				u.set(c, values[c])
			}
		}
		for _, f := range unset {
			u.set(string(f), nil)
		}
		if u.empty() {
			return nil
		}
		u.set("updated_at", r.timestamp())
		where, args := scope.BuildScopeWhere(level)
		_, err = tx.Exec("UPDATE config SET "+u.clause()+" WHERE "+where, append(u.args, args...)...)
		return err
	})
	if err != nil {
		return wrapErr("set config", err)
	}
	r.record("config.set", level.String(), nil)
	return nil
}

// Clear deletes the bound level's row and reports whether one existed.
func (r *ConfigRepository) Clear() (bool, error) {
	where, args := scope.BuildScopeWhere(r.level())
	res, err := r.db.Exec("DELETE FROM config WHERE "+where, args...)
	if err != nil {
		return false, wrapErr("clear config", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("clear config", err)
	}
	if n > 0 {
		r.record("config.clear", r.level().String(), nil)
	}
	return n > 0, nil
}
