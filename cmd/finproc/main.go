package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/finproc/internal/categorizer"
	"github.com/dvloznov/finproc/internal/domain"
	"github.com/dvloznov/finproc/internal/infra/sqlite"
	"github.com/dvloznov/finproc/internal/logger"
	"github.com/dvloznov/finproc/internal/merchant"
	"github.com/dvloznov/finproc/internal/rules"
)

var (
	dbPath    string
	rulesPath string
	lineItems bool
)

func main() {
	log := logger.New()

	rootCmd := &cobra.Command{
		Use:   "finproc",
		Short: "Categorize and deduplicate extracted financial documents",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "finproc.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "rules.yaml", "rule configuration file")
	rootCmd.PersistentFlags().BoolVar(&lineItems, "line-items", false, "categorize each line item too")

	rootCmd.AddCommand(ingestCmd(log))
	rootCmd.AddCommand(recategorizeCmd(log))
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(normalizeCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newService(log zerolog.Logger) (*categorizer.Service, *sqlite.Store, error) {
	set, err := rules.Load(rulesPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	svc := categorizer.New(store, set, log, categorizer.Options{LineItems: lineItems})
	return svc, store, nil
}

func ingestCmd(log zerolog.Logger) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ingest [document.json ...]",
		Short: "Ingest extracted documents, skipping duplicates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := newService(log)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := logger.WithContext(context.Background(), log)
			for _, path := range args {
				doc, err := readDocument(path)
				if err != nil {
					return err
				}
				res, err := svc.Ingest(ctx, doc, categorizer.IngestOptions{Force: force})
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s  id=%s\n", res.Status, path, res.Document.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace the stored document on a fingerprint collision")
	return cmd
}

func recategorizeCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "recategorize",
		Short: "Re-run the rule set over every stored document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := newService(log)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := svc.RecategorizeAll(logger.WithContext(context.Background(), log))
			if err != nil {
				return err
			}
			fmt.Printf("updated=%d unchanged=%d errors=%d\n",
				report.Updated, report.Unchanged, len(report.Errors))
			for _, e := range report.Errors {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", e.DocumentID, e.Reason)
			}
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <document-id>",
		Short: "Print a stored document and its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			doc, err := store.GetDocument(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s  %.2f %s  fingerprint=%s\n",
				doc.ID, doc.DocType, doc.Vendor, doc.Total, doc.Currency, doc.Fingerprint)

			txs, err := store.TransactionsForDocument(ctx, doc.ID)
			if err != nil {
				return err
			}
			for _, tx := range txs {
				target := "document"
				if tx.LineItemID != nil {
					target = fmt.Sprintf("line %d", *tx.LineItemID)
				}
				fmt.Printf("  %-10s %-20s conf=%.2f rule=%s tags=%v\n",
					target, tx.PrimaryCategory, tx.Confidence, tx.RuleName, tx.Tags)
			}
			return nil
		},
	}
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <raw vendor>",
		Short: "Print the canonical merchant key for a raw vendor string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(merchant.Normalize(args[0]))
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Validate the rule configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := rules.Load(rulesPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d rules, defaults to %q\n",
				rulesPath, set.Len(), set.Defaults().PrimaryCategory)
			return nil
		},
	}
}

// documentFile shadows Document.Date so extracted JSON can carry a plain
// YYYY-MM-DD day instead of a full timestamp.
type documentFile struct {
	domain.Document
	Date string `json:"date"`
}

func readDocument(path string) (*domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("readDocument: %w", err)
	}
	var in documentFile
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("readDocument %s: %w", path, err)
	}
	doc := in.Document
	if in.Date != "" {
		day, err := time.Parse("2006-01-02", in.Date)
		if err != nil {
			day, err = time.Parse(time.RFC3339, in.Date)
			if err != nil {
				return nil, fmt.Errorf("readDocument %s: invalid date %q", path, in.Date)
			}
		}
		doc.Date = day
	}
	if doc.SourceFile == "" {
		doc.SourceFile = path
	}
	return &doc, nil
}
