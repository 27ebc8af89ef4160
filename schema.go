package zorel

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
)

// ModelInfo holds the reflection data for an entity struct.
type ModelInfo struct {
	Type       reflect.Type
	PrimaryKey string
	Fields     map[string]*FieldInfo // StructFieldName -> FieldInfo
	Columns    map[string]*FieldInfo // DBColumnName -> FieldInfo
	Ordered    []*FieldInfo          // column fields in declaration order
	lookup     map[string]*FieldInfo
}

// FieldInfo holds data about a single field in the entity.
type FieldInfo struct {
	Name       string // Struct field name
	Column     string // DB column name
	IsPrimary  bool
	IsRelation bool // holds related entities, never stored
	FieldType  reflect.Type
	Index      []int
}

var (
	modelCache = make(map[reflect.Type]*ModelInfo)
	cacheMu    sync.RWMutex

	timeType    = reflect.TypeOf(time.Time{})
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// ParseModelType inspects a struct type (or pointer to one) and returns its metadata.
func ParseModelType(typ reflect.Type) (*ModelInfo, error) {
	if typ == nil {
		return nil, ErrNilEntity
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("zorel: entity type %s must be a struct", typ)
	}

	cacheMu.RLock()
	if info, ok := modelCache[typ]; ok {
		cacheMu.RUnlock()
		return info, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	// Double check locking
	if info, ok := modelCache[typ]; ok {
		return info, nil
	}

	info := &ModelInfo{
		Type:    typ,
		Fields:  make(map[string]*FieldInfo),
		Columns: make(map[string]*FieldInfo),
		lookup:  make(map[string]*FieldInfo),
	}
	if pk, ok := reflect.New(typ).Interface().(interface{ PrimaryKey() string }); ok {
		info.PrimaryKey = pk.PrimaryKey()
	}

	parseFields(info, typ, nil)

	if info.PrimaryKey == "" {
		if _, ok := info.Columns["id"]; ok {
			info.PrimaryKey = "id"
		}
	}

	modelCache[typ] = info
	return info, nil
}

func parseFields(info *ModelInfo, typ reflect.Type, index []int) {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		tag := field.Tag.Get("zorel")
		if tag == "-" {
			continue
		}

		idx := append(append([]int(nil), index...), i)

		// embedded structs contribute their fields
		if field.Anonymous && field.Type.Kind() == reflect.Struct && tag == "" {
			parseFields(info, field.Type, idx)
			continue
		}

		fi := &FieldInfo{
			Name:       field.Name,
			Column:     strcase.ToSnake(field.Name),
			FieldType:  field.Type,
			Index:      idx,
			IsRelation: !isColumnType(field.Type),
		}

		for _, part := range strings.Split(tag, ";") {
			key, val, _ := strings.Cut(part, ":")
			switch strings.TrimSpace(key) {
			case "column":
				fi.Column = strings.TrimSpace(val)
			case "primary":
				fi.IsPrimary = true
			case "relation":
				fi.IsRelation = true
			}
		}

		if fi.IsPrimary && info.PrimaryKey == "" {
			info.PrimaryKey = fi.Column
		}

		info.Fields[fi.Name] = fi
		info.lookup[strings.ToLower(fi.Name)] = fi
		if !fi.IsRelation {
			info.Columns[fi.Column] = fi
			info.Ordered = append(info.Ordered, fi)
		}
		if _, taken := info.lookup[fi.Column]; !taken {
			info.lookup[fi.Column] = fi
		}
	}
}

// Lookup finds a field by struct name, column name, or their case-insensitive forms.
func (m *ModelInfo) Lookup(name string) (*FieldInfo, bool) {
	if f, ok := m.Fields[name]; ok {
		return f, true
	}
	if f, ok := m.Columns[name]; ok {
		return f, true
	}
	if f, ok := m.lookup[strings.ToLower(name)]; ok {
		return f, true
	}
	f, ok := m.lookup[strcase.ToSnake(name)]
	return f, ok
}

// isColumnType reports whether values of t are stored in a column rather than
// being related entities.
func isColumnType(t reflect.Type) bool {
	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
		return true
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
		if t.Implements(valuerType) || reflect.PointerTo(t).Implements(scannerType) {
			return true
		}
	}
	switch t.Kind() {
	case reflect.Struct:
		return t == timeType
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	case reflect.Interface, reflect.Map, reflect.Func, reflect.Chan:
		return false
	}
	return true
}
