package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidTask is returned by Task.Validate when a field is outside its
// allowed bounds. Callers can detect it with errors.Is to translate the
// failure into a user-facing validation error.
var ErrInvalidTask = errors.New("invalid task")

// JSONStringList stores a []string as a JSON text column. SQLite and
// PostgreSQL both accept it as plain text, which keeps the schema portable
// between the two supported drivers.
type JSONStringList []string

// Value implements driver.Valuer. Called by GORM before writing to the database.
func (l JSONStringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("db: marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner. Called by GORM when reading from the database.
func (l *JSONStringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: cannot scan %T into JSONStringList", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// JSONFloatMap stores a map[string]float64 as a JSON text column. Used for
// protocol metric maps on task results (response_time, status_code, packet
// loss, and whatever else a probe reports).
type JSONFloatMap map[string]float64

// Value implements driver.Valuer.
func (m JSONFloatMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]float64(m))
	if err != nil {
		return nil, fmt.Errorf("db: marshal float map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONFloatMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: cannot scan %T into JSONFloatMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, (*map[string]float64)(m))
}
