package models

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/studyplan/server/internal/replication"
)

// Collection parameterizes the replication protocol for one synced
// collection: its name, primary-key field, required auth scope and payload
// schema. The protocol itself is generic; each collection is a registration.
type Collection struct {
	Name     string
	KeyField string
	Scope    string
	Schema   *jsonschema.Schema
}

// Wire converts a stored document into its wire form.
func (c Collection) Wire(doc *StoredDocument) ReplicatedDocument {
	out := make(ReplicatedDocument, len(doc.Payload)+3)
	for k, v := range doc.Payload {
		out[k] = v
	}
	out[c.KeyField] = doc.DocID
	out[DeletedField] = doc.Deleted
	out[ServerTimestampField] = replication.FormatTimestamp(doc.ServerTS)
	return out
}

// Split extracts the key and deletion marker from a wire document and returns
// the remaining payload fields. The client-supplied serverTimestamp is always
// discarded; the server stamps its own.
func (c Collection) Split(doc ReplicatedDocument) (docID string, payload map[string]any, deleted bool, err error) {
	docID = doc.Key(c.KeyField)
	if docID == "" {
		return "", nil, false, fmt.Errorf("document missing %q field", c.KeyField)
	}
	deleted = doc.IsDeleted()
	payload = make(map[string]any, len(doc))
	for k, v := range doc {
		if k == c.KeyField || k == DeletedField || k == ServerTimestampField {
			continue
		}
		payload[k] = v
	}
	return docID, payload, deleted, nil
}

// Validate checks a wire document against the collection's payload schema.
func (c Collection) Validate(doc ReplicatedDocument) error {
	if c.Schema == nil {
		return nil
	}
	return c.Schema.Validate(map[string]any(doc))
}

// CollectionByName resolves a registered collection.
func CollectionByName(name string) (Collection, bool) {
	c, ok := collections[name]
	return c, ok
}

// CollectionNames lists registered collections in registration order.
func CollectionNames() []string {
	return collectionOrder
}

var (
	collections     map[string]Collection
	collectionOrder []string
)

func init() {
	collections = make(map[string]Collection)
	for _, def := range []struct {
		name   string
		schema string
	}{
		{"folders", `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"_deleted": {"type": "boolean"},
				"serverTimestamp": {"type": "string"},
				"title": {"type": "string"},
				"parent": {"type": ["string", "null"]},
				"order": {"type": "number"}
			},
			"required": ["id"]
		}`},
		{"items", `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"_deleted": {"type": "boolean"},
				"serverTimestamp": {"type": "string"},
				"title": {"type": "string"},
				"folder": {"type": ["string", "null"]},
				"due": {"type": ["string", "null"]},
				"completed": {"type": "boolean"},
				"notes": {"type": "string"}
			},
			"required": ["id"]
		}`},
		{"plannerdata", `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"_deleted": {"type": "boolean"},
				"serverTimestamp": {"type": "string"},
				"key": {"type": "string"}
			},
			"required": ["id"]
		}`},
		{"semesters", `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"_deleted": {"type": "boolean"},
				"serverTimestamp": {"type": "string"},
				"name": {"type": "string"},
				"start": {"type": "string"},
				"end": {"type": "string"}
			},
			"required": ["id"]
		}`},
		{"events", `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"_deleted": {"type": "boolean"},
				"serverTimestamp": {"type": "string"},
				"title": {"type": "string"},
				"start": {"type": "string"},
				"end": {"type": "string"},
				"repeat": {"type": ["string", "null"]},
				"calendar": {"type": ["string", "null"]}
			},
			"required": ["id"]
		}`},
		{"timetablesync", `{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"_deleted": {"type": "boolean"},
				"serverTimestamp": {"type": "string"},
				"source": {"type": "string"},
				"externalId": {"type": "string"},
				"status": {"type": "string"},
				"lastSyncedAt": {"type": ["string", "null"]}
			},
			"required": ["id"]
		}`},
	} {
		collections[def.name] = Collection{
			Name:     def.name,
			KeyField: "id",
			Scope:    "sync:" + def.name,
			Schema:   mustCompileSchema(def.name, def.schema),
		}
		collectionOrder = append(collectionOrder, def.name)
	}
}

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("collection %s: bad schema json: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("collection %s: %v", name, err))
	}
	sch, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("collection %s: %v", name, err))
	}
	return sch
}
