package jsondb

import (
	"reflect"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

// MapObject is the shape of a Map definition object. Exactly one of Map and
// Join lists the source types with the name of their transform.
type MapObject struct {
	UUID          string            `json:"_uuid,omitempty"`
	Type          string            `json:"_type" jsonschema:"enum=Map"`
	TargetType    string            `json:"targetType" jsonschema:"description=view type receiving the emitted objects"`
	Map           map[string]string `json:"map,omitempty" jsonschema:"description=source type to map function"`
	Join          map[string]string `json:"join,omitempty" jsonschema:"description=source type to join function; join functions may look up other objects"`
	TargetKeyName string            `json:"targetKeyName,omitempty" jsonschema:"description=property of emitted objects that takes part in their identity"`
	Active        *bool             `json:"_active,omitempty" jsonschema:"description=false once the definition has failed"`
	Error         string            `json:"_error,omitempty"`
}

// ReduceObject is the shape of a Reduce definition object.
type ReduceObject struct {
	UUID              string  `json:"_uuid,omitempty"`
	Type              string  `json:"_type" jsonschema:"enum=Reduce"`
	TargetType        string  `json:"targetType"`
	SourceType        string  `json:"sourceType"`
	SourceKeyName     string  `json:"sourceKeyName,omitempty" jsonschema:"description=property grouping the source objects,oneof_required=keyName"`
	SourceKeyFunction string  `json:"sourceKeyFunction,omitempty" jsonschema:"description=key function grouping the source objects,oneof_required=keyFunction"`
	Add               string  `json:"add"`
	Subtract          string  `json:"subtract"`
	TargetKeyName     string  `json:"targetKeyName,omitempty" jsonschema:"default=key"`
	TargetValueName   *string `json:"targetValueName,omitempty" jsonschema:"default=value,description=null stores the reduced object itself"`
	Active            *bool   `json:"_active,omitempty"`
	Error             string  `json:"_error,omitempty"`
}

// IndexObject is the shape of an Index definition object.
type IndexObject struct {
	UUID string `json:"_uuid,omitempty"`
	Type string `json:"_type" jsonschema:"enum=Index"`
	IndexSpec
}

// ViewObject declares a view type.
type ViewObject struct {
	UUID string `json:"_uuid,omitempty"`
	Type string `json:"_type" jsonschema:"enum=View"`
	Name string `json:"name" jsonschema:"description=the view type"`
}

// SchemaTypeObject attaches a CUE schema to an object type.
type SchemaTypeObject struct {
	UUID   string `json:"_uuid,omitempty"`
	Type   string `json:"_type" jsonschema:"enum=_schemaType"`
	Name   string `json:"name"`
	Schema string `json:"schema" jsonschema:"description=CUE source the objects of the type must unify with"`
}

var definitionTypes = map[string]reflect.Type{
	TypeIndex:      reflect.TypeFor[IndexObject](),
	TypeMap:        reflect.TypeFor[MapObject](),
	TypeReduce:     reflect.TypeFor[ReduceObject](),
	TypeView:       reflect.TypeFor[ViewObject](),
	TypeSchemaType: reflect.TypeFor[SchemaTypeObject](),
}

// DefinitionTypes returns the reserved object types, sorted.
func DefinitionTypes() []string {
	return sortedKeys(definitionTypes)
}

// DefinitionSchema returns the JSON Schema of a reserved object type.
func DefinitionSchema(typ string) (*jsonschema.Schema, error) {
	t, ok := definitionTypes[typ]
	if !ok {
		return nil, errorf(InvalidType, "%s is not a reserved object type", typ)
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true, AllowAdditionalProperties: true}
	s := r.ReflectFromType(t)
	s.Title = typ
	return s, nil
}

// DefinitionSchemaJSON renders DefinitionSchema as indented JSON.
func DefinitionSchemaJSON(typ string) ([]byte, error) {
	s, err := DefinitionSchema(typ)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}
