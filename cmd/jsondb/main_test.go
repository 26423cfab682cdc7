package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, db string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd, a := newRootCommand(viper.New(), io.Discard)
	defer a.close()
	cmd.SetArgs(append([]string{"--db", db}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, db string, v any, args ...string) {
	t.Helper()
	out, err := run(t, db, "", args...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

type written struct {
	StateNumber uint32 `json:"stateNumber"`
	Items       []struct {
		UUID    string `json:"_uuid"`
		Version string `json:"_version"`
	} `json:"items"`
}

type found struct {
	Data   []map[string]any `json:"data"`
	Length int              `json:"length"`
}

func TestCreateFindAndRemove(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")

	var w written
	runJSON(t, db, &w, "create", `{"_type":"Person","name":"Bob"}`, `[{"_type":"Person","name":"Alice"}]`)
	assert.Equal(t, uint32(1), w.StateNumber)
	require.Len(t, w.Items, 2)

	var r found
	runJSON(t, db, &r, "find", `[?_type="Person"][/name]`)
	require.Equal(t, 2, r.Length)
	assert.Equal(t, "Alice", r.Data[0]["name"])
	assert.Equal(t, "Bob", r.Data[1]["name"])

	runJSON(t, db, &r, "find", `[?_type="Person"][?name=%n]`, "--bind", "n=Bob")
	require.Equal(t, 1, r.Length)

	var obj map[string]any
	runJSON(t, db, &obj, "get", w.Items[0].UUID)
	assert.Equal(t, "Bob", obj["name"])

	runJSON(t, db, &w, "remove", w.Items[0].UUID)
	assert.Equal(t, uint32(2), w.StateNumber)

	runJSON(t, db, &r, "find", `[?_type="Person"]`)
	assert.Equal(t, 1, r.Length)
}

func TestCreateFromStdin(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	out, err := run(t, db, `{"_type":"Note","text":"hi"}`, "create")
	require.NoError(t, err)
	assert.Contains(t, out, `"stateNumber": 1`)

	_, err = run(t, db, "", "create")
	assert.Error(t, err)
}

func TestUpdateRequiresVersion(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	var w written
	runJSON(t, db, &w, "create", `{"_type":"Note","text":"a"}`)
	id := w.Items[0].UUID

	_, err := run(t, db, "", "update", `{"_uuid":"`+id+`","_type":"Note","_version":"1-nope","text":"b"}`)
	assert.Error(t, err)

	runJSON(t, db, &w, "put", `{"_uuid":"`+id+`","_type":"Note","text":"c"}`)
	var obj map[string]any
	runJSON(t, db, &obj, "get", id)
	assert.Equal(t, "c", obj["text"])
}

func TestChanges(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	run(t, db, "", "create", `{"_type":"Note","text":"a"}`)
	run(t, db, "", "create", `{"_type":"Task","text":"b"}`)

	var ch changesOut
	runJSON(t, db, &ch, "changes", "--since", "1")
	assert.Equal(t, uint32(1), ch.StartingStateNumber)
	assert.Equal(t, uint32(2), ch.CurrentStateNumber)
	require.Len(t, ch.Changes, 1)
	assert.Equal(t, "create", ch.Changes[0].Action)
	assert.Equal(t, "b", ch.Changes[0].After["text"])
}

func TestIndexCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	_, err := run(t, db, "", "index", "add", "byText", "--property", "text")
	require.NoError(t, err)

	out, err := run(t, db, "", "index", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "byText")

	_, err = run(t, db, "", "index", "rm", "byText")
	require.NoError(t, err)
	out, err = run(t, db, "", "index", "ls")
	require.NoError(t, err)
	assert.NotContains(t, out, "byText")
}

func TestInspectionCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	run(t, db, "", "create", `{"_type":"Note","text":"a"}`)

	out, err := run(t, db, "", "stat", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "Partition: main")

	_, err = run(t, db, "", "check")
	assert.NoError(t, err)

	out, err = run(t, db, "", "dump")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = run(t, db, "", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "Map")

	out, err = run(t, db, "", "schema", "Reduce")
	require.NoError(t, err)
	assert.Contains(t, out, "sourceKeyName")

	_, err = run(t, db, "", "stat", "--format", "xml")
	assert.Error(t, err)
}

func TestPartitionPath(t *testing.T) {
	assert.Equal(t, "data.b.db", partitionPath("data.db", "b"))
	assert.Equal(t, filepath.Join("dir.x", "data.b"), partitionPath(filepath.Join("dir.x", "data"), "b"))
}
