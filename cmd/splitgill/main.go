package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/splitgill/splitgill"
	"github.com/splitgill/splitgill/searching"
	"github.com/splitgill/splitgill/store"
)

var (
	configPath string
	dataDir    string
	database   string

	file       string
	commitFlag bool
	resync     bool
	atVersion  int64
	latestOnly bool
	limit      int
)

var rootCmd = &cobra.Command{
	Use:   "splitgill",
	Short: "versioned record store and search",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "splitgill.db", "Pebble data directory")
	rootCmd.PersistentFlags().StringVarP(&database, "db", "d", "", "Database name")

	putCmd.Flags().StringVarP(&file, "file", "f", "", "Path to JSON/YAML file, - for stdin")
	putCmd.MarkFlagRequired("file")
	putCmd.Flags().BoolVar(&commitFlag, "commit", false, "Commit after staging")

	getCmd.Flags().Int64Var(&atVersion, "version", 0, "Rebuild the state at this version")

	syncCmd.Flags().BoolVar(&resync, "resync", false, "Rebuild all indices from scratch")

	searchCmd.Flags().BoolVar(&latestOnly, "latest", false, "Search current states only")
	searchCmd.Flags().IntVar(&limit, "limit", 0, "Result limit, 0 for the default")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(kvCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func openClient() *splitgill.Client {
	cfg := splitgill.Config{Backend: "pebble", DataDir: dataDir}
	if configPath != "" {
		var err error
		cfg, err = splitgill.LoadConfig(configPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	client, err := splitgill.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	return client
}

func openDatabase() (*splitgill.Client, *splitgill.Database) {
	if database == "" {
		log.Fatal("--db is required")
	}
	client := openClient()
	db, err := client.Database(database)
	if err != nil {
		log.Fatal(err)
	}
	return client, db
}

var putCmd = &cobra.Command{
	Use:     "put",
	Aliases: []string{"apply"},
	Short:   "Stage records from a file",
	Run: func(cmd *cobra.Command, args []string) {
		records, err := parseRecords(file)
		if err != nil {
			log.Fatal(err)
		}

		client, db := openDatabase()
		defer client.Close()

		result, err := db.Ingest(cmd.Context(), records, splitgill.IngestConfig{Commit: commitFlag})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("staged %d, unchanged %d\n", result.Upserted, result.Same)
		if result.Version != 0 {
			fmt.Printf("committed version %d\n", result.Version)
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get a record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, db := openDatabase()
		defer client.Close()

		record, err := db.GetRecord(cmd.Context(), args[0])
		if err != nil {
			log.Fatal(err)
		}
		if record == nil {
			log.Fatalf("no record %q", args[0])
		}

		out := map[string]any{
			"id":      record.ID,
			"version": record.Version,
			"data":    record.Data,
		}
		if atVersion != 0 {
			data, ok := record.DataAt(atVersion)
			if !ok {
				log.Fatalf("record %q did not exist at version %d", args[0], atVersion)
			}
			out["version"] = atVersion
			out["data"] = data
		}

		enc, err := yaml.Marshal(out)
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(enc)
	},
}

var searchCmd = &cobra.Command{
	Use:     "search [query]",
	Aliases: []string{"find"},
	Short:   "Search records, e.g. search 'name=\"oak\" height>10'",
	Run: func(cmd *cobra.Command, args []string) {
		query, err := searching.ParseQuery(strings.Join(args, " "))
		if err != nil {
			log.Fatal(err)
		}

		client, db := openDatabase()
		defer client.Close()

		search := db.Search
		if latestOnly {
			search = db.SearchLatest
		}
		docs, err := search(cmd.Context(), query, limit)
		if err != nil {
			log.Fatal(err)
		}

		for _, doc := range docs {
			enc, err := yaml.Marshal(map[string]any{
				"id":      doc.ID,
				"version": doc.Version,
				"data":    searching.RebuildData(doc.Data),
			})
			if err != nil {
				log.Fatal(err)
			}
			fmt.Println("---")
			os.Stdout.Write(enc)
		}
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit staged records into a new version",
	Run: func(cmd *cobra.Command, args []string) {
		client, db := openDatabase()
		defer client.Close()

		version, err := db.Commit(cmd.Context())
		if err != nil {
			log.Fatal(err)
		}
		if version == 0 {
			fmt.Println("nothing to commit")
			return
		}
		fmt.Printf("committed version %d\n", version)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Discard staged records and options",
	Run: func(cmd *cobra.Command, args []string) {
		client, db := openDatabase()
		defer client.Close()

		if err := db.Rollback(cmd.Context()); err != nil {
			log.Fatal(err)
		}
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the search indices up to date",
	Run: func(cmd *cobra.Command, args []string) {
		client, db := openDatabase()
		defer client.Close()

		result, err := db.Sync(cmd.Context(), resync)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("indexed %d, deleted %d in %s\n", result.Indexed, result.Deleted, result.Elapsed)
		for reason, count := range result.FailedByReason {
			fmt.Printf("failed %d: %s\n", count, reason)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	Run: func(cmd *cobra.Command, args []string) {
		client, db := openDatabase()
		defer client.Close()

		status, err := db.Status(cmd.Context())
		if err != nil {
			log.Fatal(err)
		}
		staged, err := db.HasUncommitted(cmd.Context())
		if err != nil {
			log.Fatal(err)
		}

		enc, err := yaml.Marshal(map[string]any{
			"name":                 status.Name,
			"committed_version":    status.CommittedVersion,
			"last_indexed_version": status.LastIndexedVersion,
			"options_version":      status.OptionsVersion,
			"has_uncommitted":      staged,
		})
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(enc)
	},
}

// parseRecords reads records from yaml or json, multiple documents
// separated by "---". Each document is {id: ..., data: {...}}; a document
// without data deletes the record.
func parseRecords(file string) ([]store.Record, error) {
	var data []byte
	var err error

	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %v", err)
	}

	var records []store.Record
	for _, doc := range strings.Split(string(data), "---\n") {
		if strings.TrimSpace(doc) == "" {
			continue
		}

		var record struct {
			ID   string         `json:"id"`
			Data map[string]any `json:"data"`
		}
		if err := yaml.Unmarshal([]byte(doc), &record); err != nil {
			return nil, fmt.Errorf("failed to parse record: %v", err)
		}
		records = append(records, store.Record{ID: record.ID, Data: record.Data})
	}

	return records, nil
}
