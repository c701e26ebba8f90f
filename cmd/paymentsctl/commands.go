// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ZiaraZetu/ZiaraPay/pkg/ux"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/config"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
)

const defaultAPIURL = "http://localhost:8080"

// cli holds flag values and output sinks shared by every command.
type cli struct {
	printer *ux.Printer
	out     io.Writer
	lookup  config.LookupFunc

	configPath string
	apiURL     string
	token      string
	actor      string
	jsonOut    bool
	timeout    time.Duration

	client *adminClient
}

// newRootCmd builds the command tree.
//
// # Inputs
//
//   - printer: Human-readable output.
//   - out: Destination for --json output.
//   - lookup: Environment lookup, os.LookupEnv in production.
func newRootCmd(printer *ux.Printer, out io.Writer, lookup config.LookupFunc) *cobra.Command {
	c := &cli{printer: printer, out: out, lookup: lookup}

	root := &cobra.Command{
		Use:           "paymentsctl",
		Short:         "Operate a ZiaraPay payments service",
		Long:          `Inspects bookings, installments and gateway attempts, verifies and repairs ledgers, and triggers reconciliation through the admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.connect()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "payments config file used to derive --api and --token (env PAYMENTS_CONFIG)")
	root.PersistentFlags().StringVar(&c.apiURL, "api", "", "payments API base URL (env PAYMENTSCTL_API_URL)")
	root.PersistentFlags().StringVar(&c.token, "token", "", "admin bearer token (env PAYMENTS_ADMIN_TOKEN)")
	root.PersistentFlags().StringVar(&c.actor, "actor", "", "operator name recorded on manual approvals")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		c.healthCmd(),
		c.bookingsCmd(),
		c.ledgerCmd(),
		c.unmatchedCmd(),
		c.reconcileCmd(),
	)
	return root
}

// connect resolves the API URL and token. Flags win over the environment,
// which wins over the config file.
func (c *cli) connect() error {
	env := func(key string) string {
		if c.lookup == nil {
			return ""
		}
		v, _ := c.lookup(key)
		return v
	}

	apiURL, token := c.apiURL, c.token
	if apiURL == "" {
		apiURL = env("PAYMENTSCTL_API_URL")
	}
	if token == "" {
		token = env("PAYMENTS_ADMIN_TOKEN")
	}

	path := c.configPath
	if path == "" {
		path = env("PAYMENTS_CONFIG")
	}
	if path != "" && (apiURL == "" || token == "") {
		cfg, err := config.Load(path, c.lookup)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", path, err)
		}
		if apiURL == "" {
			apiURL = "http://localhost:" + strconv.Itoa(cfg.Server.Port)
		}
		if token == "" {
			token = cfg.Server.AdminToken
		}
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	c.client = newAdminClient(apiURL, token, c.actor, c.timeout)
	return nil
}

// emit prints v as JSON when --json is set and reports whether it did.
func (c *cli) emit(v interface{}) (bool, error) {
	if !c.jsonOut {
		return false, nil
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

// =============================================================================
// health
// =============================================================================

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the payments service is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Health(cmd.Context()); err != nil {
				return err
			}
			if done, err := c.emit(map[string]string{"status": "ok"}); done {
				return err
			}
			c.printer.Success("payments service is healthy at " + c.client.baseURL)
			return nil
		},
	}
}

// =============================================================================
// bookings
// =============================================================================

func (c *cli) bookingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookings",
		Short: "Inspect and manage bookings",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recently updated bookings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.ListBookings(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if done, err := c.emit(res); done {
				return err
			}
			c.printer.Title(fmt.Sprintf("Bookings (%d)", res.Count))
			rows := make([][]string, 0, len(res.Bookings))
			for _, b := range res.Bookings {
				rows = append(rows, []string{
					b.ID,
					string(b.Status),
					string(b.PaymentStatus),
					money(b.TotalPaid) + " / " + money(b.Amount),
					b.PercentPaid.StringFixed(0) + "%",
				})
			}
			c.printer.Table([]string{"ID", "STATUS", "PAYMENT", "PAID", "PROGRESS"}, rows)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum bookings to list (server default 50)")

	show := &cobra.Command{
		Use:   "show [booking-id]",
		Short: "Show a booking's balance and status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.client.GetBooking(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := c.emit(b); done {
				return err
			}
			c.printBooking(b)
			return nil
		},
	}

	payments := &cobra.Command{
		Use:   "payments [booking-id]",
		Short: "List the installments recorded for a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.ListPayments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := c.emit(res); done {
				return err
			}
			c.printer.Title(fmt.Sprintf("Payments for %s (%d)", res.BookingID, res.Count))
			rows := make([][]string, 0, len(res.Payments))
			for _, p := range res.Payments {
				rows = append(rows, []string{
					p.PaymentDate.Format(time.RFC3339),
					money(p.Amount),
					string(p.Source),
					dash(p.GatewayReceipt),
					dash(p.RecordedBy),
				})
			}
			c.printer.Table([]string{"DATE", "AMOUNT", "SOURCE", "RECEIPT", "RECORDED BY"}, rows)
			return nil
		},
	}

	attempts := &cobra.Command{
		Use:   "attempts [booking-id]",
		Short: "List the gateway push attempts for a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.ListAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := c.emit(res); done {
				return err
			}
			c.printer.Title(fmt.Sprintf("Attempts for %s (%d)", res.BookingID, res.Count))
			rows := make([][]string, 0, len(res.Attempts))
			for _, a := range res.Attempts {
				code := "-"
				if a.ResultCode != nil {
					code = strconv.Itoa(*a.ResultCode)
				}
				rows = append(rows, []string{
					a.CorrelationID,
					string(a.State),
					money(a.RequestedAmount),
					code,
					dash(a.ResultDesc),
					a.CreatedAt.Format(time.RFC3339),
				})
			}
			c.printer.Table([]string{"CORRELATION", "STATE", "REQUESTED", "CODE", "DESCRIPTION", "CREATED"}, rows)
			return nil
		},
	}

	var reference string
	approve := &cobra.Command{
		Use:   "approve [booking-id]",
		Short: "Record the outstanding balance as paid out of band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.Approve(cmd.Context(), args[0], reference)
			if err != nil {
				return err
			}
			if done, err := c.emit(res); done {
				return err
			}
			c.printer.Success(fmt.Sprintf("approved %s for %s", money(res.Payment.Amount), res.Booking.ID))
			c.printBooking(res.Booking)
			return nil
		},
	}
	approve.Flags().StringVar(&reference, "reference", "", "external payment reference (generated when empty)")

	cancel := &cobra.Command{
		Use:   "cancel [booking-id]",
		Short: "Cancel a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.client.CancelBooking(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := c.emit(b); done {
				return err
			}
			c.printer.Success("cancelled " + b.ID)
			return nil
		},
	}

	cmd.AddCommand(list, show, payments, attempts, approve, cancel)
	return cmd
}

func (c *cli) printBooking(b datatypes.BookingView) {
	c.printer.Title("Booking " + b.ID)
	c.printer.KeyValues(
		"status", string(b.Status),
		"payment_status", string(b.PaymentStatus),
		"payment_method", string(b.PaymentMethod),
		"amount", money(b.Amount),
		"total_paid", money(b.TotalPaid),
		"remaining", money(b.Remaining),
		"percent_paid", b.PercentPaid.StringFixed(2),
		"check_in", b.CheckInDate,
		"reference", dash(b.PaymentReference),
		"updated_at", b.UpdatedAt.Format(time.RFC3339),
	)
}

// =============================================================================
// ledger
// =============================================================================

func (c *cli) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Verify or repair a booking's ledger",
	}

	verify := &cobra.Command{
		Use:   "verify [booking-id]",
		Short: "Compare recorded totals against the payment rows",
		Long:  `Exits 1 when the recorded total or status disagrees with the sum of payments.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := c.client.VerifyLedger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := c.emit(report); done {
				if err == nil && !report.Consistent {
					return findings()
				}
				return err
			}
			c.printReport(report)
			if !report.Consistent {
				return findings()
			}
			return nil
		},
	}

	repair := &cobra.Command{
		Use:   "repair [booking-id]",
		Short: "Recompute total paid and status from the payment rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := c.client.RepairLedger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if done, err := c.emit(report); done {
				return err
			}
			c.printReport(report)
			return nil
		},
	}

	cmd.AddCommand(verify, repair)
	return cmd
}

func (c *cli) printReport(r ledger.Report) {
	c.printer.KeyValues(
		"booking_id", r.BookingID,
		"amount", money(r.Amount),
		"recorded_total_paid", money(r.RecordedTotal),
		"payments_total", money(r.PaymentsTotal),
		"payment_count", strconv.Itoa(r.PaymentCount),
		"recorded_status", string(r.RecordedStatus),
		"expected_status", string(r.ExpectedStatus),
		"rounding_surplus", money(r.RoundingSurplus),
	)
	switch {
	case r.Repaired:
		c.printer.Box("Repaired", fmt.Sprintf("%s corrected by %s", r.BookingID, money(r.TotalDrift)))
	case r.Consistent:
		c.printer.Success("ledger consistent")
	default:
		c.printer.WarningBox("Ledger drift", fmt.Sprintf("total drift %s, status drift %t", money(r.TotalDrift), r.StatusDrift))
	}
}

// =============================================================================
// unmatched
// =============================================================================

func (c *cli) unmatchedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "unmatched",
		Short: "List callbacks that matched no payment attempt",
		Long:  `Exits 1 when any dead-lettered callbacks exist.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.ListUnmatched(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if done, err := c.emit(res); !done {
				c.printer.Title(fmt.Sprintf("Unmatched callbacks (%d)", res.Count))
				rows := make([][]string, 0, len(res.Callbacks))
				for _, u := range res.Callbacks {
					rows = append(rows, []string{
						u.ReceivedAt.Format(time.RFC3339),
						u.CorrelationID,
						strconv.Itoa(u.ResultCode),
						u.Reason,
					})
				}
				c.printer.Table([]string{"RECEIVED", "CORRELATION", "CODE", "REASON"}, rows)
			} else if err != nil {
				return err
			}
			if res.Count > 0 {
				return findings()
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum callbacks to list (server default 50)")
	return cmd
}

// =============================================================================
// reconcile
// =============================================================================

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle now",
		Long:  `Queries the gateway for every stale pending attempt and settles, fails or expires it.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if done, err := c.emit(res); done {
				return err
			}
			r := res.Result
			c.printer.Title("Reconciliation cycle")
			c.printer.Summary(
				[]string{"checked", "settled", "failed", "expired", "pending", "errors"},
				[]int{r.Checked, r.Settled, r.Failed, r.Expired, r.StillPending, r.Errors},
			)
			if r.Errors > 0 {
				c.printer.Warning(fmt.Sprintf("%d attempts could not be queried; they stay pending", r.Errors))
			}
			return nil
		},
	}
}

// =============================================================================
// Formatting
// =============================================================================

func money(d decimal.Decimal) string {
	return "KES " + d.StringFixed(2)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
