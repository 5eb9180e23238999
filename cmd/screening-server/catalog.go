package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/protocol"
	"github.com/ehr/screening/internal/domain/scoring"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the question catalog",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog questions in presentation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			domain, _ := cmd.Flags().GetString("domain")

			cat, err := catalog.Load(file)
			if err != nil {
				return err
			}
			var domains []string
			if domain != "" {
				domains = append(domains, domain)
			}
			printQuestions(cmd.OutOrStdout(), cat.ListQuestions(domains...))
			return nil
		},
	}
	listCmd.Flags().String("file", "", "Catalog YAML file (defaults to the embedded catalog)")
	listCmd.Flags().String("domain", "", "Only list questions in this domain")
	cmd.AddCommand(listCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a catalog and protocol library",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			protocols, _ := cmd.Flags().GetString("protocols")

			cat, err := catalog.Load(file)
			if err != nil {
				return fmt.Errorf("catalog is invalid: %w", err)
			}
			lib, err := protocol.LoadLibrary(protocols)
			if err != nil {
				return fmt.Errorf("protocol library is invalid: %w", err)
			}
			decisions := clinical.NewEngine(cat, scoring.NewScorer(cat, scoring.DefaultConfig()), lib)
			if err := decisions.CheckProtocols(); err != nil {
				return fmt.Errorf("catalog and protocol library disagree: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog %s is valid: %d questions, %d validation pairs\n",
				cat.Version(), len(cat.ListQuestions()), len(cat.ValidationPairs()))
			return nil
		},
	}
	validateCmd.Flags().String("file", "", "Catalog YAML file (defaults to the embedded catalog)")
	validateCmd.Flags().String("protocols", "", "Protocol library YAML file (defaults to the embedded library)")
	cmd.AddCommand(validateCmd)

	return cmd
}

func printQuestions(w io.Writer, questions []*catalog.Question) {
	fmt.Fprintf(w, "%-22s %-8s %-20s %-12s %-14s %s\n", "ID", "TOOL", "DOMAIN", "STAGE", "RESPONSE", "FLAGS")
	for _, q := range questions {
		var flags []string
		if q.Scored {
			flags = append(flags, "scored")
		}
		if q.SafetyCritical {
			flags = append(flags, "safety:"+q.EmergencyType)
		}
		if q.ConditionalOn != nil {
			flags = append(flags, "if "+q.ConditionalOn.String())
		}
		fmt.Fprintf(w, "%-22s %-8s %-20s %-12s %-14s %s\n",
			q.ID, q.Instrument, q.Domain, q.Stage, q.ResponseType(), strings.Join(flags, ", "))
	}
}
