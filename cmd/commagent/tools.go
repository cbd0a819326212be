package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"commagent/internal/seed"

	"github.com/spf13/cobra"
)

func classifyCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Score text against a tenant's classifiers without routing anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildOneShot(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, scores, err := a.Router().Classify(ctx, tenant, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "category: %s\nscore:    %.2f\nassignee: %s\n\n", res.Category, res.Score, res.AssigneeID)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASSIFIER\tCATEGORY\tKEYWORDS\tPHRASES\tTOTAL")
			for _, s := range scores {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%.2f\n", s.ClassifierID, s.Category, s.Keywords, s.Phrases, s.Total())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect scheduled templates",
	}

	var (
		tenant string
		n      int
	)
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Show the next fire times of a tenant's scheduled templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildOneShot(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.Schedule().Preview(ctx, tenant, time.Now(), n)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TEMPLATE\tNAME\tSPEC\tNEXT")
			for _, it := range items {
				if it.Err != "" {
					fmt.Fprintf(tw, "%s\t%s\t-\terror: %s\n", it.TemplateID, it.TemplateName, it.Err)
					continue
				}
				next := make([]string, 0, len(it.Next))
				for _, t := range it.Next {
					next = append(next, t.Format(time.RFC3339))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.TemplateID, it.TemplateName, it.Spec, strings.Join(next, ", "))
			}
			return tw.Flush()
		},
	}
	preview.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	preview.Flags().IntVar(&n, "n", 3, "number of upcoming fire times per template")
	_ = preview.MarkFlagRequired("tenant")

	var fireTenant, fireTemplate string
	fire := &cobra.Command{
		Use:   "fire",
		Short: "Run one scheduled template now, through the same lease and recipient rules as cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildOneShot(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Schedule().Fire(ctx, fireTenant, fireTemplate)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "outcome: %s\n", res.Outcome)
			if res.Reason != "" {
				fmt.Fprintf(out, "reason:  %s\n", res.Reason)
			}
			if res.Job == nil {
				return nil
			}
			fmt.Fprintf(out, "job:     %s (total=%d sent=%d failed=%d skipped=%d)\n",
				res.Job.ID, res.Job.Total, res.Job.Sent, res.Job.Failed, res.Job.Skipped)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COUNTERPARTY\tCHANNEL\tOUTCOME\tMESSAGE\tERROR")
			for _, r := range res.Job.Results {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CounterpartyID, r.Channel, r.Outcome, r.MessageID, r.Error)
			}
			return tw.Flush()
		},
	}
	fire.Flags().StringVar(&fireTenant, "tenant", "", "tenant id")
	fire.Flags().StringVar(&fireTemplate, "template", "", "template id")
	_ = fire.MarkFlagRequired("tenant")
	_ = fire.MarkFlagRequired("template")

	cmd.AddCommand(preview, fire)
	return cmd
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load tenants, users, counterparties, classifiers and templates from a fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := seed.LoadFile(file)
			if err != nil {
				return err
			}
			a, err := buildOneShot(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := seed.Apply(ctx, a.Store(), f, a.Schedule(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenants=%d users=%d counterparties=%d classifiers=%d templates=%d\n",
				sum.Tenants, sum.Users, sum.Counterparties, sum.Classifiers, sum.Templates)
			if !a.Store().Persistent() {
				fmt.Fprintln(os.Stderr, "warning: storage backend is memory; fixtures are discarded on exit (use serve --seed)")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture file (yaml or json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
