package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"guestkey/internal/model"
	"guestkey/internal/parse"
)

const dateFlagLayout = "2006-01-02"

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the lock, the calendar feeds and the notifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		failed := 0
		report := func(name string, err error) {
			if err != nil {
				failed++
				fmt.Printf("  FAIL  %-24s %v\n", name, err)
				return
			}
			fmt.Printf("  ok    %s\n", name)
		}

		fmt.Println("Checking configuration...")
		st, err := a.lock.Status(ctx)
		report("lock", err)
		if err == nil {
			fmt.Printf("        users=%d battery=%s\n", st.Count, st.Battery)
		}

		if len(a.cfg.Calendar.Sources) == 0 {
			report("calendars", errors.New("no calendar sources configured"))
		}
		for _, src := range a.cfg.Calendar.Sources {
			text, err := a.fetcher.Fetch(ctx, src)
			report("calendar "+src.Name, err)
			if err == nil {
				fmt.Printf("        events=%d\n", len(parse.ParseCalendar(text)))
			}
		}

		if a.messenger.IsReady() {
			report("notifier", nil)
			fmt.Printf("        channels=%v\n", a.notifier.ReadyChannels())
		} else {
			report("notifier", errors.New("no channel ready"))
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		fmt.Println("All checks passed.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reservation counts and upcoming stays",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Node: %s (%s)\n", a.cfg.Node.Name, a.cfg.Node.Role)
		for _, s := range []model.ReservationStatus{model.StatusActive, model.StatusExpired, model.StatusRevoked, model.StatusFailed} {
			fmt.Printf("  %-8s %d\n", s, counts[s])
		}

		active, err := a.store.ListActive(ctx)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Active reservations:")
		printReservations(a, active)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent reservations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		recent, err := a.store.ListRecent(ctx, limit)
		if err != nil {
			return err
		}
		printReservations(a, recent)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:     "add",
	Short:   "Add a manual reservation and provision its code",
	Example: `  guestkey add --label "Family visit" --in 2025-03-01 --out 2025-03-04`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		label, _ := cmd.Flags().GetString("label")
		in, _ := cmd.Flags().GetString("in")
		out, _ := cmd.Flags().GetString("out")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		checkIn, err := stayTime(in, a.cfg.Calendar.CheckInTime, a.loc)
		if err != nil {
			return err
		}
		checkOut, err := stayTime(out, a.cfg.Calendar.CheckOutTime, a.loc)
		if err != nil {
			return err
		}
		if !checkOut.After(checkIn) {
			return errors.New("check-out must be after check-in")
		}

		r, err := a.orch.AddManual(ctx, label, checkIn, checkOut)
		if err != nil {
			return err
		}
		fmt.Printf("Added reservation %d: %s code %s (%s)\n", r.ID, r.GuestLabel, r.AccessCode, r.Status)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a reservation and remove its lock user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid reservation id %q", args[0])
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.orch.Revoke(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Revoked reservation %d (%s)\n", r.ID, r.GuestLabel)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Expire reservations past check-out and remove their lock users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.orch.CleanupExpired(ctx)
		fmt.Printf("Expired %d reservation(s)\n", n)
		return err
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Show the lock's user count and battery level",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.lock.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Lock users: %d\nBattery:    %s\n", st.Count, st.Battery)
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "Maximum number of reservations to show")

	addCmd.Flags().String("label", "", "Guest label")
	addCmd.Flags().String("in", "", "Check-in date (YYYY-MM-DD)")
	addCmd.Flags().String("out", "", "Check-out date (YYYY-MM-DD)")
	_ = addCmd.MarkFlagRequired("label")
	_ = addCmd.MarkFlagRequired("in")
	_ = addCmd.MarkFlagRequired("out")
}

// stayTime combines a YYYY-MM-DD date with an HH:MM time of day in loc.
func stayTime(date, clock string, loc *time.Location) (time.Time, error) {
	d, err := time.Parse(dateFlagLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}
	h, m, err := parse.ClockTime(clock)
	if err != nil {
		return time.Time{}, err
	}
	return parse.At(d, h, m, loc), nil
}

func printReservations(a *app, rs []model.Reservation) {
	if len(rs) == 0 {
		fmt.Println("  (none)")
		return
	}
	fmt.Printf("  %-5s %-22s %-8s %-17s %-17s %-8s %s\n", "ID", "GUEST", "CODE", "CHECK-IN", "CHECK-OUT", "STATUS", "SOURCE")
	for _, r := range rs {
		fmt.Printf("  %-5d %-22s %-8s %-17s %-17s %-8s %s\n",
			r.ID,
			r.GuestLabel,
			r.AccessCode,
			r.CheckIn.In(a.loc).Format("Mon Jan 02 15:04"),
			r.CheckOut.In(a.loc).Format("Mon Jan 02 15:04"),
			r.Status,
			r.Source,
		)
	}
}
