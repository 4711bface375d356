package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/text/language"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/invoice"
)

const (
	outputText = "text"
	outputJSON = "json"
)

var errInvalidRules = errors.New("fixture has invalid rules")

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "formzctl",
		Usage: "evaluate form rules offline and manage server API keys",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output format: text or json",
				Value:   outputText,
			},
		},
		Commands: []*cli.Command{
			newVisibilityCommand(),
			newInvoiceCommand(),
			newValidateCommand(),
			newKeysCommand(),
		},
	}
}

func fixtureFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "fixture",
		Aliases:  []string{"f"},
		Usage:    "path to a .json, .yaml or .toml fixture",
		Required: true,
	}
}

func newVisibilityCommand() *cli.Command {
	return &cli.Command{
		Name:  "visibility",
		Usage: "print the questions visible for the fixture answers",
		Flags: []cli.Flag{fixtureFlag()},
		Action: func(_ context.Context, cmd *cli.Command) error {
			f, err := loadFixture(cmd.String("fixture"))
			if err != nil {
				return err
			}

			visible := core.ResolveVisibility(f.Questions, f.Rules, f.Answers)
			shown, hidden := visible.Diff(core.NewVisibleSet(f.Previous...))
			result := visibilityResult{
				Visible: visible.IDs(f.Questions),
				Shown:   shown,
				Hidden:  hidden,
			}

			return render(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "visible: %s\n", joinIDs(result.Visible))
				if len(f.Previous) > 0 {
					fmt.Fprintf(w, "shown: %s\n", joinIDs(result.Shown))
					fmt.Fprintf(w, "hidden: %s\n", joinIDs(result.Hidden))
				}
			})
		},
	}
}

type visibilityResult struct {
	Visible []string `json:"visible"`
	Shown   []string `json:"shown"`
	Hidden  []string `json:"hidden"`
}

func newInvoiceCommand() *cli.Command {
	return &cli.Command{
		Name:  "invoice",
		Usage: "select the invoice item for the fixture answers",
		Flags: []cli.Flag{
			fixtureFlag(),
			&cli.StringFlag{
				Name:  "lang",
				Usage: "language used to print the total",
				Value: "en",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			f, err := loadFixture(cmd.String("fixture"))
			if err != nil {
				return err
			}
			lang, err := language.Parse(cmd.String("lang"))
			if err != nil {
				return fmt.Errorf("parse --lang: %w", err)
			}

			result := invoiceResult{}
			if len(f.InvoiceRules) == 0 && f.Draft != nil {
				result.Selection = core.SelectItemsFromDraft(*f.Draft, f.Items)
				result.FromDraft = true
			} else {
				result.Selection = core.SelectItems(f.InvoiceRules, f.Answers, f.Items)
			}

			result.Invoice, err = invoice.Build(result.Selection, f.Quantity)
			if err != nil {
				return fmt.Errorf("build invoice: %w", err)
			}
			result.Formatted, err = invoice.FormatAmount(result.Invoice.Total, result.Invoice.Currency, lang)
			if err != nil {
				return err
			}

			return render(cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "matched: %t\n", result.Selection.Matched)
				if result.FromDraft {
					fmt.Fprintln(w, "source: draft")
				}
				fmt.Fprintf(w, "type: %s\n", result.Invoice.Type)
				fmt.Fprintf(w, "category: %s\n", result.Invoice.Category)
				fmt.Fprintf(w, "package: %s\n", result.Invoice.Package)
				for _, line := range result.Invoice.Lines {
					fmt.Fprintf(w, "line: %s x%d = %.2f %s\n", line.Name, line.Quantity, line.Amount, line.Currency)
				}
				fmt.Fprintf(w, "total: %s\n", result.Formatted)
				fmt.Fprintf(w, "in words: %s\n", result.Invoice.TotalInWords)
			})
		},
	}
}

type invoiceResult struct {
	Selection core.Selection  `json:"selection"`
	Invoice   invoice.Invoice `json:"invoice"`
	Formatted string          `json:"formatted"`
	FromDraft bool            `json:"fromDraft,omitempty"`
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check every visibility and invoice rule in the fixture",
		Flags: []cli.Flag{fixtureFlag()},
		Action: func(_ context.Context, cmd *cli.Command) error {
			f, err := loadFixture(cmd.String("fixture"))
			if err != nil {
				return err
			}

			results := validateFixture(f)
			failed := 0
			for _, result := range results {
				if result.Error != "" {
					failed++
				}
			}

			if err := render(cmd, results, func(w io.Writer) {
				for _, result := range results {
					status := "ok"
					if result.Error != "" {
						status = result.Error
					}
					fmt.Fprintf(w, "%s %s: %s\n", result.Kind, result.ID, status)
				}
			}); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", errInvalidRules, failed, len(results))
			}
			return nil
		},
	}
}

type ruleCheck struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func validateFixture(f fixture) []ruleCheck {
	known := make(map[string]struct{}, len(f.Questions))
	for _, question := range f.Questions {
		known[question.ID] = struct{}{}
	}

	checks := make([]ruleCheck, 0, len(f.Rules)+len(f.InvoiceRules))
	for _, rule := range f.Rules {
		check := ruleCheck{Kind: "rule", ID: rule.ID}
		if err := core.ValidateRule(rule); err != nil {
			check.Error = err.Error()
		} else if missing := unknownTriggers(rule.Conditions, known); len(missing) > 0 {
			check.Error = "unknown trigger questions: " + joinIDs(missing)
		}
		checks = append(checks, check)
	}
	for _, rule := range f.InvoiceRules {
		check := ruleCheck{Kind: "invoice-rule", ID: rule.ID}
		if err := core.ValidateInvoiceRule(rule); err != nil {
			check.Error = err.Error()
		}
		checks = append(checks, check)
	}
	return checks
}

func unknownTriggers(conditions []core.Condition, known map[string]struct{}) []string {
	var missing []string
	for _, condition := range conditions {
		if _, ok := known[condition.TriggerQuestionID]; !ok {
			missing = append(missing, condition.TriggerQuestionID)
		}
	}
	return missing
}

func render(cmd *cli.Command, value any, text func(io.Writer)) error {
	w := cmd.Root().Writer
	switch format := strings.ToLower(cmd.String("output")); format {
	case outputJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case outputText:
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func joinIDs(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
