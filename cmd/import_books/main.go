package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"shelfcheck/library"
)

// entry is one record of the import file.
type entry struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Category string `json:"category"`
	Copies   int    `json:"copies"`
}

func main() {
	var dbPath, adminName string
	cmd := &cobra.Command{
		Use:          "import_books <catalog.json>",
		Short:        "Bulk import books from a JSON array of {title, author, category, copies}",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), dbPath, adminName, args[0])
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "library.db", "SQLite database path")
	cmd.Flags().StringVar(&adminName, "admin", "admin", "username of the administrator performing the import")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readEntries(path string) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(f).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}

func run(ctx context.Context, dbPath, adminName, path string) error {
	entries, err := readEntries(path)
	if err != nil {
		return err
	}

	manager, err := library.NewLibraryManager(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer manager.Close()

	admin, err := manager.Database().GetUserByUsername(ctx, adminName)
	if err != nil {
		return fmt.Errorf("look up admin %q: %w", adminName, err)
	}
	actor := admin.Identity()

	fmt.Printf("Importing %d books from %s...\n", len(entries), path)
	var imported []*library.Book
	errorCount := 0
	for _, e := range entries {
		if e.Copies == 0 {
			e.Copies = 1
		}
		fmt.Printf("Importing: %s by %s... ", e.Title, e.Author)
		b, err := manager.AddBook(ctx, actor, e.Title, e.Author, e.Category, e.Copies)
		if err != nil {
			fmt.Printf("ERROR - %s\n", library.MessageOf(err))
			errorCount++
			continue
		}
		fmt.Printf("SUCCESS (ID: %d, ISBN: %s)\n", b.ID, b.ISBN)
		imported = append(imported, b)
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d books\n", len(imported))
	fmt.Printf("Errors: %d\n", errorCount)

	if len(imported) > 0 {
		fmt.Println("\nImported books:")
		fmt.Printf("%-5s %-40s %-25s %-16s %s\n", "ID", "Title", "Author", "Category", "Copies")
		fmt.Println(strings.Repeat("-", 95))
		for _, b := range imported {
			fmt.Printf("%-5d %-40s %-25s %-16s %d\n", b.ID, truncateString(b.Title, 40),
				truncateString(b.Author, 25), b.Category.Label(), b.AvailableCopies)
		}
	}
	if errorCount > 0 {
		return fmt.Errorf("%d books failed to import", errorCount)
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
