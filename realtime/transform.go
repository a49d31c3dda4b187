/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package realtime

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// PostgresChangeFilter selects which database changes a subscription
// receives. Event is one of INSERT, UPDATE, DELETE or * for all.
type PostgresChangeFilter struct {
	Event  string
	Schema string
	Table  string
	Filter string
}

// payload renders the filter for the channel join request.
func (f PostgresChangeFilter) payload() map[string]any {
	payload := make(map[string]any, 4)
	for key, value := range map[string]string{
		"event":  f.Event,
		"schema": f.Schema,
		"table":  f.Table,
		"filter": f.Filter,
	} {
		if value != "" {
			payload[key] = value
		}
	}
	return payload
}

// matches reports whether a server-acknowledged change entry carries the
// same event, schema, table and filter as this binding. Unset and empty
// values compare equal.
func (f PostgresChangeFilter) matches(server map[string]any) bool {
	return asString(server["event"]) == f.Event &&
		asString(server["schema"]) == f.Schema &&
		asString(server["table"]) == f.Table &&
		asString(server["filter"]) == f.Filter
}

// PostgresChange is one database change delivered to a subscription, with
// record cells decoded according to their column types.
type PostgresChange struct {
	Schema          string
	Table           string
	CommitTimestamp string
	EventType       string
	New             map[string]any
	Old             map[string]any
	Errors          any
}

// transformPostgresChange converts raw change data from the wire into the
// typed payload. New is populated for inserts and updates, Old for
// updates and deletes.
func transformPostgresChange(data map[string]any) PostgresChange {
	change := PostgresChange{
		Schema:          asString(data["schema"]),
		Table:           asString(data["table"]),
		CommitTimestamp: asString(data["commit_timestamp"]),
		EventType:       asString(data["type"]),
		New:             map[string]any{},
		Old:             map[string]any{},
		Errors:          data["errors"],
	}
	columns := columnTypes(data["columns"])
	switch change.EventType {
	case "INSERT", "UPDATE":
		change.New = convertChangeData(columns, asMap(data["record"]))
	}
	switch change.EventType {
	case "UPDATE", "DELETE":
		change.Old = convertChangeData(columns, asMap(data["old_record"]))
	}
	return change
}

func columnTypes(value any) map[string]string {
	columns, _ := value.([]any)
	types := make(map[string]string, len(columns))
	for _, column := range columns {
		m, ok := column.(map[string]any)
		if !ok {
			continue
		}
		name := asString(m["name"])
		if name == "" {
			continue
		}
		types[name] = asString(m["type"])
	}
	return types
}

func convertChangeData(types map[string]string, record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for name, value := range record {
		if colType, ok := types[name]; ok && colType != "" {
			out[name] = convertCell(colType, value)
		} else {
			out[name] = value
		}
	}
	return out
}

// convertCell decodes one cell from its wire representation. Values that
// are not strings, and strings that fail to parse, pass through
// unchanged.
func convertCell(colType string, value any) any {
	if strings.HasPrefix(colType, "_") {
		return convertArrayCell(strings.TrimPrefix(colType, "_"), value)
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch colType {
	case "bool":
		switch s {
		case "t":
			return true
		case "f":
			return false
		}
		return s
	case "int2", "int4", "int8", "float4", "float8", "numeric", "oid":
		if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) {
			return n
		}
		return s
	case "json", "jsonb":
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
		return s
	case "timestamp":
		return strings.Replace(s, " ", "T", 1)
	default:
		return s
	}
}

// convertArrayCell decodes a postgres array literal such as {1,2,3} and
// converts each element to the array's element type. Elements are parsed
// as JSON first, falling back to a plain comma split.
func convertArrayCell(elemType string, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return s
	}
	inner := s[1 : len(s)-1]
	var items []any
	if err := json.Unmarshal([]byte("["+inner+"]"), &items); err != nil {
		items = nil
		if inner != "" {
			for _, part := range strings.Split(inner, ",") {
				items = append(items, part)
			}
		}
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = convertCell(elemType, item)
	}
	return out
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}
