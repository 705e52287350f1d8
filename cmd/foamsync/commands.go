package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/realtime"
	"github.com/sprayworks/foam_backend/syncclient"
)

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch the organization snapshot and print it",
	Long: `Fetch the organization snapshot (crew sessions: the crew's work orders) and
print it as JSON. When the backend is unreachable the last cached snapshot is
printed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.close()
		drainNotices(c)

		st, err := c.coord.State()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Force-sync: push settings and every local row",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.close()

		err = c.coord.ForceSync(ctx)
		drainNotices(c)
		if err == nil {
			// Crew dashboards refresh on this broadcast.
			if berr := c.remote.WorkOrderUpdated(ctx, c.session.OrganizationId); berr != nil {
				c.logger.WithField("field", "push").Warn("work order broadcast failed: " + berr.Error())
			}
		}
		return err
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force-refresh: replace local state with the backend's",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.close()
		err = c.coord.ForceRefresh(ctx)
		drainNotices(c)
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and apply change notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
		c, err := connect(startCtx)
		cancel()
		if err != nil {
			return err
		}
		defer c.close()

		sub := syncclient.NewSubscriber(viper.GetString("server"), c.remote.Token, c.remote.CrewToken, c.logger,
			func(e realtime.ChangeEvent) {
				fmt.Printf("change: %s %s\n", e.Table, e.Operation)
				c.coord.HandleEvent(e)
			})
		go sub.Run(ctx)

		fmt.Println("Watching for changes. Press Ctrl+C to stop...")
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopped")
				return nil
			case n := <-c.coord.Notices():
				printNotice(n)
			}
		}
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete JOB_ID",
	Short: "Report actual material usage for a job",
	Long: `Report actual material usage for a job and reconcile warehouse stock.

Inventory lines are given as --item name=quantity and may be repeated:
  foamsync complete 3f2a... --open 7 --closed 0 --item "Primer=2.5"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		open, _ := cmd.Flags().GetString("open")
		closed, _ := cmd.Flags().GetString("closed")
		items, _ := cmd.Flags().GetStringToString("item")
		status, _ := cmd.Flags().GetString("status")

		actuals := models.Materials{}
		var err error
		if actuals.OpenCellSets, err = decimal.NewFromString(open); err != nil {
			return fmt.Errorf("--open: %w", err)
		}
		if actuals.ClosedCellSets, err = decimal.NewFromString(closed); err != nil {
			return fmt.Errorf("--closed: %w", err)
		}
		for name, qty := range items {
			q, err := decimal.NewFromString(qty)
			if err != nil {
				return fmt.Errorf("--item %s: %w", name, err)
			}
			actuals.Inventory = append(actuals.Inventory, models.MaterialLine{Name: name, Quantity: q})
		}
		execStatus := models.ExecutionStatus(status)
		if !execStatus.IsValid() {
			return fmt.Errorf("--status must be one of %q, %q, %q",
				models.ExecutionNotStarted, models.ExecutionInProgress, models.ExecutionCompleted)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.close()
		drainNotices(c)

		if err := c.coord.CompleteJob(args[0], actuals, execStatus); err != nil {
			return err
		}
		select {
		case n := <-c.coord.Notices():
			printNotice(n)
			if n.Level == syncclient.NoticeError {
				return errors.New(n.Message)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Change organization settings (pushed after the debounce period)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.close()

		flags := cmd.Flags()
		err = c.coord.Update(func(s *models.OrgSettings) {
			if flags.Changed("next-estimate") {
				s.Counters.NextEstimateNumber, _ = flags.GetInt("next-estimate")
			}
			if flags.Changed("next-invoice") {
				s.Counters.NextInvoiceNumber, _ = flags.GetInt("next-invoice")
			}
			if flags.Changed("company-name") {
				s.Company.Name, _ = flags.GetString("company-name")
			}
			if flags.Changed("company-phone") {
				s.Company.Phone, _ = flags.GetString("company-phone")
			}
		})
		if err != nil {
			return err
		}
		// Wait out the debounce so the push happens before exit.
		select {
		case <-time.After(syncclient.DefaultDebounce + 2*time.Second):
		case <-ctx.Done():
		}
		drainNotices(c)
		return nil
	},
}

var notifyCrewCmd = &cobra.Command{
	Use:   "notify-crew",
	Short: "Tell crew sessions their work orders changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		remote := syncclient.NewHTTPRemote(viper.GetString("server"), viper.GetString("token"), "")
		org := viper.GetString("org")
		if org == "" {
			return errors.New("--org is required")
		}
		return remote.WorkOrderUpdated(ctx, org)
	},
}

func init() {
	completeCmd.Flags().String("open", "0", "open-cell sets used")
	completeCmd.Flags().String("closed", "0", "closed-cell sets used")
	completeCmd.Flags().StringToString("item", nil, "inventory line as name=quantity (repeatable)")
	completeCmd.Flags().String("status", string(models.ExecutionCompleted), "execution status")

	settingsCmd.Flags().Int("next-estimate", 0, "next estimate number")
	settingsCmd.Flags().Int("next-invoice", 0, "next invoice number")
	settingsCmd.Flags().String("company-name", "", "company name on documents")
	settingsCmd.Flags().String("company-phone", "", "company phone on documents")
}
