package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/andreyvit/jsondb"
)

type writeKind int

const (
	writeCreate writeKind = iota
	writeUpdate
	writeForced
)

func (a *app) newWriteCommand(use, short string, kind writeKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [json...]",
		Short: short,
		Long:  short + ". Each argument is a JSON object or array of objects; without arguments objects are read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			objs, err := readObjects(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			owner := ownerFlag(cmd)
			var r *jsondb.WriteResult
			switch kind {
			case writeCreate:
				r, err = p.Create(cmd.Context(), owner, objs...)
			case writeUpdate:
				r, err = p.Update(cmd.Context(), owner, objs...)
			default:
				r, err = p.UpdateObjects(cmd.Context(), owner, objs, jsondb.ForcedWrite)
			}
			if err != nil {
				return err
			}
			return a.print(cmd, r)
		},
	}
	cmd.Flags().String("owner", "", "owner performing the write")
	return cmd
}

func (a *app) newRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <uuid>...",
		Short: "Remove objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			objs := make([]jsondb.Object, len(args))
			for i, id := range args {
				objs[i] = jsondb.Object{jsondb.FieldUUID: id}
			}
			r, err := p.Remove(cmd.Context(), ownerFlag(cmd), objs...)
			if err != nil {
				return err
			}
			return a.print(cmd, r)
		},
	}
	cmd.Flags().String("owner", "", "owner performing the removal")
	return cmd
}

func (a *app) newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <uuid>",
		Short: "Print one object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			obj, err := p.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, obj)
		},
	}
}

func (a *app) newFindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <query>",
		Short: "Run a query",
		Example: `  jsondb find '[?_type="Person"][/name]'
  jsondb find '[?_type="Person"][?age>%min]' --bind min=30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			raw, _ := cmd.Flags().GetStringToString("bind")
			partitions, _ := cmd.Flags().GetStringSlice("partitions")
			bindings := make(map[string]any, len(raw))
			for k, s := range raw {
				bindings[k] = parseBinding(s)
			}

			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var r *jsondb.QueryResult
			if len(partitions) > 0 {
				for _, name := range partitions {
					if name == p.Name() {
						continue
					}
					if _, err := a.engine.OpenPartition(cmd.Context(), name, partitionPath(a.v.GetString("db"), name)); err != nil {
						return err
					}
				}
				r, err = a.engine.QueryPartitions(cmd.Context(), ownerFlag(cmd), partitions, args[0], bindings, limit, offset)
			} else {
				r, err = p.Query(cmd.Context(), ownerFlag(cmd), args[0], bindings, limit, offset)
			}
			if err != nil {
				return err
			}
			if explain, _ := cmd.Flags().GetBool("explain"); explain {
				fmt.Fprintf(cmd.ErrOrStderr(), "plan: %s\n", r.Plan)
			}
			return a.print(cmd, r)
		},
	}
	cmd.Flags().Int("limit", -1, "maximum number of results; -1 for all")
	cmd.Flags().Int("offset", 0, "number of results to skip")
	cmd.Flags().StringToString("bind", nil, "query bindings as name=value; values are parsed as JSON when possible")
	cmd.Flags().StringSlice("partitions", nil, "query these partitions together; files are named after --db")
	cmd.Flags().Bool("explain", false, "print the query plan to stderr")
	cmd.Flags().String("owner", "", "owner running the query")
	return cmd
}

// partitionPath names the file of another partition next to the main one:
// data.db and partition "b" give data.b.db.
func partitionPath(db, name string) string {
	base, ext := db, ""
	if i := strings.LastIndexByte(db, '.'); i > strings.LastIndexByte(db, os.PathSeparator) {
		base, ext = db[:i], db[i:]
	}
	return base + "." + name + ext
}

func parseBinding(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

type changeOut struct {
	UUID   string        `json:"uuid" yaml:"uuid"`
	Action string        `json:"action" yaml:"action"`
	Before jsondb.Object `json:"before,omitempty" yaml:"before,omitempty"`
	After  jsondb.Object `json:"after,omitempty" yaml:"after,omitempty"`
}

type changesOut struct {
	StartingStateNumber uint32      `json:"startingStateNumber" yaml:"startingStateNumber"`
	CurrentStateNumber  uint32      `json:"currentStateNumber" yaml:"currentStateNumber"`
	Changes             []changeOut `json:"changes" yaml:"changes"`
}

func (a *app) newChangesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List the changes committed after a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetUint32("since")
			types, _ := cmd.Flags().GetStringSlice("type")
			split, _ := cmd.Flags().GetBool("split")
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			r, err := p.ChangesSince(cmd.Context(), since, jsondb.ChangesOptions{Types: types, SplitTypeChanges: split})
			if err != nil {
				return err
			}
			out := changesOut{StartingStateNumber: r.StartingStateNumber, CurrentStateNumber: r.CurrentStateNumber, Changes: []changeOut{}}
			for _, ch := range r.Changes {
				out.Changes = append(out.Changes, changeOut{UUID: ch.UUID, Action: ch.Action.String(), Before: ch.Before, After: ch.After})
			}
			return a.print(cmd, out)
		},
	}
	cmd.Flags().Uint32("since", 0, "state to list changes after")
	cmd.Flags().StringSlice("type", nil, "only changes of these object types")
	cmd.Flags().Bool("split", false, "report objects changing type as removals and creations")
	return cmd
}

func (a *app) newIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage indexes",
	}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Define an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := jsondb.IndexSpec{Name: args[0]}
			spec.PropertyName, _ = cmd.Flags().GetString("property")
			spec.PropertyFunction, _ = cmd.Flags().GetString("function")
			spec.PropertyType, _ = cmd.Flags().GetString("type")
			spec.ObjectType, _ = cmd.Flags().GetStringSlice("object-type")
			spec.Locale, _ = cmd.Flags().GetString("locale")
			spec.Collation, _ = cmd.Flags().GetString("collation")
			if cmd.Flags().Changed("case-sensitive") {
				cs, _ := cmd.Flags().GetBool("case-sensitive")
				spec.CaseSensitive = &cs
			}
			if spec.PropertyName == "" && spec.PropertyFunction == "" {
				spec.PropertyName = args[0]
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			return p.AddIndex(cmd.Context(), spec)
		},
	}
	add.Flags().String("property", "", "indexed property path; defaults to the index name")
	add.Flags().String("function", "", "key function computing the indexed value")
	add.Flags().String("type", jsondb.PropertyTypeString, "property type (string, number, integer, any)")
	add.Flags().StringSlice("object-type", nil, "only index objects of these types")
	add.Flags().String("locale", "", "collation locale")
	add.Flags().String("collation", "", "collation variant (loose, numeric)")
	add.Flags().Bool("case-sensitive", true, "compare strings case-sensitively")

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetStringSlice("object-type")
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			return p.RemoveIndex(cmd.Context(), args[0], types...)
		},
	}
	rm.Flags().StringSlice("object-type", nil, "object types selecting the table of the index")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetStringSlice("object-type")
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			specs, err := p.Indexes(cmd.Context(), types...)
			if err != nil {
				return err
			}
			return a.print(cmd, specs)
		},
	}
	ls.Flags().StringSlice("object-type", nil, "object types selecting the table")

	cmd.AddCommand(add, rm, ls)
	return cmd
}

func (a *app) newStatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print object counts and storage sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			ps, err := p.Stat(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, ps)
		},
	}
}

func (a *app) newDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the raw contents of every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := jsondb.DumpTableHeaders | jsondb.DumpRows | jsondb.DumpIndices
			if all, _ := cmd.Flags().GetBool("all"); all {
				f = jsondb.DumpAll
			}
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			s, err := p.Dump(cmd.Context(), f)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), s)
			return err
		},
	}
	cmd.Flags().Bool("all", false, "include statistics, index rows and the journal")
	return cmd
}

func (a *app) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that every index matches the table contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			problems, err := p.CheckIndexConsistency(cmd.Context())
			if err != nil {
				return err
			}
			for _, ip := range problems {
				fmt.Fprintln(cmd.OutOrStdout(), ip.String())
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d index problems", len(problems))
			}
			return nil
		},
	}
}

func (a *app) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [type]",
		Short: "Print the JSON Schema of a definition object type, or list the types",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return a.print(cmd, jsondb.DefinitionTypes())
			}
			data, err := jsondb.DefinitionSchemaJSON(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
			return err
		},
	}
}

func (a *app) newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "metrics",
		Short:  "Print engine metrics after opening the partition",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.open(cmd.Context()); err != nil {
				return err
			}
			a.engine.WriteMetrics(cmd.OutOrStdout())
			return nil
		},
	}
}

func ownerFlag(cmd *cobra.Command) jsondb.Owner {
	id, _ := cmd.Flags().GetString("owner")
	return jsondb.Owner{ID: id}
}

// readObjects parses objects from args, or from r when there are none. Each
// input is a JSON object or an array of objects.
func readObjects(r io.Reader, args []string) ([]jsondb.Object, error) {
	var inputs [][]byte
	if len(args) == 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, data)
	} else {
		for _, arg := range args {
			inputs = append(inputs, []byte(arg))
		}
	}

	var objs []jsondb.Object
	for _, data := range inputs {
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		if data[0] == '[' {
			var arr []map[string]any
			if err := json.Unmarshal(data, &arr); err != nil {
				return nil, fmt.Errorf("invalid objects: %w", err)
			}
			for _, m := range arr {
				objs = append(objs, jsondb.NewObject(m))
			}
			continue
		}
		obj, err := jsondb.ParseObject(data)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no objects given")
	}
	return objs, nil
}
