package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"brandpool/internal/models"
	"brandpool/internal/services"

	"github.com/spf13/cobra"
)

var (
	codeValue      string
	codeMax        int
	codeDays       int
	codeValidFrom  string
	codeValidUntil string
	codeCreatedBy  string
	listPage       int
	listPageSize   int
)

var testerCodeCmd = &cobra.Command{
	Use:   "tester-code",
	Short: "Manage tester access codes",
}

var testerCodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tester code",
	Example: `  # 20 redemptions, 30 days of access each
  brandctl tester-code create --code BETA2025 --max 20 --days 30

  # Unlimited redemptions until the end of the year
  brandctl tester-code create --max -1 --days 14 --valid-until 2025-12-31T23:59:59Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := services.CreateTesterCodeInput{
			Code:               codeValue,
			MaxRedemptions:     codeMax,
			AccessDurationDays: codeDays,
			CreatedBy:          codeCreatedBy,
		}
		var err error
		if in.ValidFrom, err = parseOptionalTime(codeValidFrom); err != nil {
			return fmt.Errorf("--valid-from: %w", err)
		}
		if in.ValidUntil, err = parseOptionalTime(codeValidUntil); err != nil {
			return fmt.Errorf("--valid-until: %w", err)
		}
		return withService(cmd.Context(), func(svc *services.Service) error {
			tc, err := svc.CreateTesterCode(cmd.Context(), in)
			if err != nil {
				return err
			}
			printCodes(cmd.OutOrStdout(), []models.TesterCode{tc})
			return nil
		})
	},
}

var testerCodeDeactivateCmd = &cobra.Command{
	Use:   "deactivate CODE",
	Short: "Deactivate a tester code; access already granted is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *services.Service) error {
			tc, err := svc.DeactivateTesterCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printCodes(cmd.OutOrStdout(), []models.TesterCode{tc})
			return nil
		})
	},
}

var testerCodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tester codes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *services.Service) error {
			codes, err := svc.ListTesterCodes(cmd.Context(), listPage, listPageSize)
			if err != nil {
				return err
			}
			printCodes(cmd.OutOrStdout(), codes)
			return nil
		})
	},
}

func init() {
	testerCodeCreateCmd.Flags().StringVar(&codeValue, "code", "", "code value (random when empty)")
	testerCodeCreateCmd.Flags().IntVar(&codeMax, "max", 1, "maximum redemptions, -1 for unlimited")
	testerCodeCreateCmd.Flags().IntVar(&codeDays, "days", 30, "access duration in days")
	testerCodeCreateCmd.Flags().StringVar(&codeValidFrom, "valid-from", "", "RFC3339 start of validity (default now)")
	testerCodeCreateCmd.Flags().StringVar(&codeValidUntil, "valid-until", "", "RFC3339 end of validity")
	testerCodeCreateCmd.Flags().StringVar(&codeCreatedBy, "created-by", "brandctl", "creator recorded on the code")

	testerCodeListCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	testerCodeListCmd.Flags().IntVar(&listPageSize, "page-size", 20, "page size (max 100)")

	testerCodeCmd.AddCommand(testerCodeCreateCmd, testerCodeDeactivateCmd, testerCodeListCmd)
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func printCodes(out io.Writer, codes []models.TesterCode) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tACTIVE\tREDEEMED\tMAX\tDAYS\tVALID UNTIL")
	for _, c := range codes {
		maxUses := fmt.Sprint(c.MaxRedemptions)
		if c.Unlimited() {
			maxUses = "unlimited"
		}
		until := "-"
		if c.ValidUntil != nil {
			until = c.ValidUntil.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%d\t%s\n", c.Code, c.IsActive, c.CurrentRedemptions, maxUses, c.AccessDurationDays, until)
	}
	_ = tw.Flush()
}
